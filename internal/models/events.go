package models

// EventType names a lifecycle event on the wire.
type EventType string

const (
	EventRunCreated         EventType = "run.created"
	EventRunClaimed         EventType = "run.claimed"
	EventRunStarted         EventType = "run.started"
	EventRunStopRequested   EventType = "run.stop_requested"
	EventRunFinished        EventType = "run.finished"
	EventRunnerRegistered   EventType = "runner.registered"
	EventRunnerDeregistered EventType = "runner.deregistered"
	EventRunnerStale        EventType = "runner.stale"
)

// Event is a closed set of lifecycle notifications. Only types in this
// package implement it; consumers type-switch over the concrete types.
type Event interface {
	Type() EventType
	sealed()
}

// RunCreated is emitted once a run has entered the queue as pending.
type RunCreated struct{ Run Run }

// RunClaimed is emitted when a runner wins the claim on a run.
type RunClaimed struct{ Run Run }

// RunStarted is emitted when the claiming runner reports execution began.
type RunStarted struct{ Run Run }

// RunStopRequested is emitted when a running run moves to stopping.
// The stop command is queued for Run.RunnerID.
type RunStopRequested struct{ Run Run }

// RunFinished is emitted once, when a run reaches a terminal status.
type RunFinished struct{ Run Run }

// RunnerRegistered is emitted on first registration and on reconnection.
type RunnerRegistered struct {
	Runner      Runner
	Reconnected bool
}

// RunnerDeregistered is emitted when a runner record is removed.
type RunnerDeregistered struct{ RunnerID string }

// RunnerStale is emitted by the sweeper when a runner's heartbeat lapses.
type RunnerStale struct{ Runner Runner }

func (RunCreated) Type() EventType         { return EventRunCreated }
func (RunClaimed) Type() EventType         { return EventRunClaimed }
func (RunStarted) Type() EventType         { return EventRunStarted }
func (RunStopRequested) Type() EventType   { return EventRunStopRequested }
func (RunFinished) Type() EventType        { return EventRunFinished }
func (RunnerRegistered) Type() EventType   { return EventRunnerRegistered }
func (RunnerDeregistered) Type() EventType { return EventRunnerDeregistered }
func (RunnerStale) Type() EventType        { return EventRunnerStale }

func (RunCreated) sealed()         {}
func (RunClaimed) sealed()         {}
func (RunStarted) sealed()         {}
func (RunStopRequested) sealed()   {}
func (RunFinished) sealed()        {}
func (RunnerRegistered) sealed()   {}
func (RunnerDeregistered) sealed() {}
func (RunnerStale) sealed()        {}
