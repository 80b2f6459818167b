// Package dispatch implements the runner long-poll.
//
// A poll blocks until the runner has something to do or the poll timeout
// expires. Parked pollers are woken together whenever work may have appeared;
// they then race to claim through the queue, whose lock decides the winner.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/relay/internal/models"
)

// DefaultPollTimeout is how long a poll waits before answering with no content.
const DefaultPollTimeout = 30 * time.Second

// Outcome classifies a poll response.
type Outcome int

const (
	// NoContent means the poll timed out with nothing to do.
	NoContent Outcome = iota
	// Assigned means Result.Run was claimed for the runner.
	Assigned
	// Stop means the runner must stop Result.StopRunIDs.
	Stop
	// Deregistered means the runner was removed and should exit.
	Deregistered
)

func (o Outcome) String() string {
	switch o {
	case Assigned:
		return "assigned"
	case Stop:
		return "stop"
	case Deregistered:
		return "deregistered"
	default:
		return "no_content"
	}
}

// Result is the answer to one poll.
type Result struct {
	Outcome    Outcome
	Run        models.Run
	StopRunIDs []string
}

// Runs is the part of the run queue a poll needs.
type Runs interface {
	Claim(runner models.Runner) (models.Run, bool)
	TakeStops(runnerID string) []string
}

// Runners is the part of the runner registry a poll needs.
type Runners interface {
	Heartbeat(id string) error
	Get(id string) (models.RunnerView, error)
	IsDeregistered(id string) bool
}

// Broadcaster wakes every current waiter at once. Waiters must take the
// channel before checking for work so a wake in between is not lost.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewBroadcaster returns a ready broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{ch: make(chan struct{})}
}

// Wait returns a channel closed by the next Broadcast.
func (b *Broadcaster) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Broadcast wakes all waiters.
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// Options configures a Dispatcher.
type Options struct {
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher serves runner polls.
type Dispatcher struct {
	runs        Runs
	runners     Runners
	wake        *Broadcaster
	pollTimeout time.Duration
	logger      *slog.Logger
	waiting     atomic.Int64
}

// New creates a dispatcher.
func New(runs Runs, runners Runners, opts Options) *Dispatcher {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		runs:        runs,
		runners:     runners,
		wake:        NewBroadcaster(),
		pollTimeout: opts.PollTimeout,
		logger:      opts.Logger,
	}
}

// PollTimeout returns the configured poll timeout.
func (d *Dispatcher) PollTimeout() time.Duration { return d.pollTimeout }

// Waiting returns the number of polls currently parked.
func (d *Dispatcher) Waiting() int { return int(d.waiting.Load()) }

// Handle is an event listener that wakes parked polls when a run becomes
// claimable, a stop command is queued, or a runner is removed.
func (d *Dispatcher) Handle(ev models.Event) {
	switch ev.(type) {
	case models.RunCreated, models.RunStopRequested, models.RunnerDeregistered:
		d.wake.Broadcast()
	}
}

// Poll blocks until the runner is given a run, is told to stop runs, is
// deregistered, or the poll timeout passes. Each poll counts as a heartbeat.
// An ID that was never registered yields models.ErrUnknownRunner.
func (d *Dispatcher) Poll(ctx context.Context, runnerID string) (Result, error) {
	return d.poll(ctx, runnerID, true)
}

// PollControl is Poll for a runner with no free capacity. It never claims
// a run and only answers with stop commands or deregistration.
func (d *Dispatcher) PollControl(ctx context.Context, runnerID string) (Result, error) {
	return d.poll(ctx, runnerID, false)
}

func (d *Dispatcher) poll(ctx context.Context, runnerID string, claim bool) (Result, error) {
	timer := time.NewTimer(d.pollTimeout)
	defer timer.Stop()

	parked := false
	defer func() {
		if parked {
			d.waiting.Add(-1)
		}
	}()

	for {
		wake := d.wake.Wait()

		// A poll whose caller is gone must not claim a run nobody will receive.
		if err := ctx.Err(); err != nil {
			return Result{Outcome: NoContent}, err
		}
		res, done, err := d.check(runnerID, claim)
		if done || err != nil {
			return res, err
		}

		if !parked {
			parked = true
			d.waiting.Add(1)
		}

		select {
		case <-wake:
		case <-timer.C:
			return Result{Outcome: NoContent}, nil
		case <-ctx.Done():
			return Result{Outcome: NoContent}, ctx.Err()
		}
	}
}

func (d *Dispatcher) check(runnerID string, claim bool) (Result, bool, error) {
	if d.runners.IsDeregistered(runnerID) {
		return Result{Outcome: Deregistered}, true, nil
	}
	if err := d.runners.Heartbeat(runnerID); err != nil {
		return d.lost(runnerID, err)
	}
	view, err := d.runners.Get(runnerID)
	if err != nil {
		return d.lost(runnerID, err)
	}

	if ids := d.runs.TakeStops(runnerID); len(ids) > 0 {
		d.logger.Debug("delivering stop", "runner_id", runnerID, "run_ids", ids)
		return Result{Outcome: Stop, StopRunIDs: ids}, true, nil
	}
	if !claim {
		return Result{}, false, nil
	}
	if run, ok := d.runs.Claim(view.Runner); ok {
		d.logger.Info("run dispatched", "run_id", run.ID, "runner_id", runnerID)
		return Result{Outcome: Assigned, Run: run}, true, nil
	}
	return Result{}, false, nil
}

// lost distinguishes a runner deregistered mid-poll from one never seen.
func (d *Dispatcher) lost(runnerID string, err error) (Result, bool, error) {
	if d.runners.IsDeregistered(runnerID) {
		return Result{Outcome: Deregistered}, true, nil
	}
	return Result{}, true, err
}
