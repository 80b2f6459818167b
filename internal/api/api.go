// Package api holds the JSON bodies exchanged between the coordinator and
// its clients. Runners and the CLI depend on this package rather than on the
// server itself.
package api

import "github.com/fentz26/relay/internal/models"

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// OKResponse acknowledges a mutation.
type OKResponse struct {
	OK bool `json:"ok"`
}

// CreateRunResponse is returned by POST /runs.
type CreateRunResponse struct {
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"`
	SessionID string           `json:"session_id"`
}

// RegisterResponse is returned by POST /runner/register. The timeouts let
// the runner pace its heartbeats and HTTP client.
type RegisterResponse struct {
	RunnerID            string `json:"runner_id"`
	Reconnected         bool   `json:"reconnected"`
	HeartbeatTimeoutSec int    `json:"heartbeat_timeout_sec"`
	PollTimeoutSec      int    `json:"poll_timeout_sec"`
}

// StopCommand asks a runner to cancel one of its runs.
type StopCommand struct {
	RunID string `json:"run_id"`
}

// PollResponse is the 200 body of GET /runner/runs. Exactly one field is set.
type PollResponse struct {
	Run          *models.Run   `json:"run,omitempty"`
	Stop         []StopCommand `json:"stop,omitempty"`
	Deregistered bool          `json:"deregistered,omitempty"`
}

// SessionStatusResponse is returned by GET /sessions/:id/status.
type SessionStatusResponse struct {
	SessionID    string               `json:"session_id"`
	Status       models.SessionStatus `json:"status"`
	CurrentRunID string               `json:"current_run_id"`
}

// SessionResultResponse is returned by GET /sessions/:id/result.
type SessionResultResponse struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Result    string               `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// Stats summarizes coordinator state.
type Stats struct {
	Runs          map[models.RunStatus]int `json:"runs"`
	RunnersOnline int                      `json:"runners_online"`
	RunnersStale  int                      `json:"runners_stale"`
	Sessions      int                      `json:"sessions"`
	WaitingPolls  int                      `json:"waiting_polls"`
	EventsDropped int                      `json:"events_dropped"`
	Scheduler     map[string]interface{}   `json:"scheduler"`
	Uptime        string                   `json:"uptime"`
}
