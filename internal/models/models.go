// Package models defines the core domain types for relay.
package models

import (
	"slices"
	"time"
)

// RunType identifies what a run does to its target session.
type RunType string

const (
	RunTypeStartSession  RunType = "start_session"
	RunTypeResumeSession RunType = "resume_session"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	switch t {
	case RunTypeStartSession, RunTypeResumeSession:
		return true
	}
	return false
}

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusClaimed   RunStatus = "claimed"
	RunStatusRunning   RunStatus = "running"
	RunStatusStopping  RunStatus = "stopping"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	}
	return false
}

// ExecutionMode governs how a parent session relates to a child run it spawned.
type ExecutionMode string

const (
	ExecutionModeSync          ExecutionMode = "sync"
	ExecutionModeAsyncPoll     ExecutionMode = "async_poll"
	ExecutionModeAsyncCallback ExecutionMode = "async_callback"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecutionModeSync, ExecutionModeAsyncPoll, ExecutionModeAsyncCallback:
		return true
	}
	return false
}

// Demand is a capability requirement attached to a run. Set property fields
// require an exact match; Tags must be a subset of the runner's tags.
type Demand struct {
	Hostname     string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	ProjectDir   string   `json:"project_dir,omitempty" yaml:"project_dir,omitempty"`
	ExecutorType string   `json:"executor_type,omitempty" yaml:"executor_type,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// IsEmpty reports whether d places no requirement on a runner.
func (d Demand) IsEmpty() bool {
	return d.Hostname == "" && d.ProjectDir == "" && d.ExecutorType == "" && len(d.Tags) == 0
}

// RunSpec is the caller-supplied description of a run to create.
type RunSpec struct {
	Type            RunType       `json:"type"`
	SessionID       string        `json:"session_id"`
	Prompt          string        `json:"prompt,omitempty"`
	AgentName       string        `json:"agent_name,omitempty"`
	ProjectDir      string        `json:"project_dir,omitempty"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	ExecutionMode   ExecutionMode `json:"execution_mode,omitempty"`
	Demands         Demand        `json:"demands"`
}

// Run is a unit of dispatchable work targeting a session.
type Run struct {
	ID              string        `json:"run_id"`
	Type            RunType       `json:"type"`
	SessionID       string        `json:"session_id"`
	Prompt          string        `json:"prompt,omitempty"`
	AgentName       string        `json:"agent_name,omitempty"`
	ProjectDir      string        `json:"project_dir,omitempty"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	ExecutionMode   ExecutionMode `json:"execution_mode"`
	Demands         Demand        `json:"demands"`
	Status          RunStatus     `json:"status"`
	RunnerID        string        `json:"runner_id,omitempty"`
	Error           string        `json:"error,omitempty"`
	Result          string        `json:"result,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ClaimedAt       *time.Time    `json:"claimed_at,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	TimeoutAt       *time.Time    `json:"timeout_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (r *Run) Clone() Run {
	c := *r
	c.Demands.Tags = slices.Clone(r.Demands.Tags)
	c.ClaimedAt = cloneTime(r.ClaimedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.TimeoutAt = cloneTime(r.TimeoutAt)
	return c
}

// WantsCallback reports whether finishing r must resume its parent session.
func (r *Run) WantsCallback() bool {
	return r.ParentSessionID != "" && r.ExecutionMode == ExecutionModeAsyncCallback
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RunnerStatus is derived from heartbeat age and never stored.
type RunnerStatus string

const (
	RunnerStatusOnline RunnerStatus = "online"
	RunnerStatusStale  RunnerStatus = "stale"
)

// Runner is a registered execution host.
type Runner struct {
	ID            string    `json:"runner_id"`
	Hostname      string    `json:"hostname"`
	ProjectDir    string    `json:"project_dir"`
	ExecutorType  string    `json:"executor_type"`
	Tags          []string  `json:"tags"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RunnerView is a runner snapshot together with its derived status.
type RunnerView struct {
	Runner
	Status RunnerStatus `json:"status"`
}

// SessionStatus is derived from the lifecycle of the session's latest run.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "pending"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusStopping SessionStatus = "stopping"
	SessionStatusStopped  SessionStatus = "stopped"
	SessionStatusFinished SessionStatus = "finished"
)

// Session is the user-visible conversation or task container.
type Session struct {
	ID              string        `json:"session_id"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	ProjectDir      string        `json:"project_dir,omitempty"`
	AgentName       string        `json:"agent_name,omitempty"`
	LastResumedAt   *time.Time    `json:"last_resumed_at,omitempty"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	ExecutionMode   ExecutionMode `json:"execution_mode"`
	CurrentRunID    string        `json:"current_run_id"`
	Result          string        `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// AuditEntry is a decision record written for every coordinator mutation.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	RunID      string    `json:"run_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
