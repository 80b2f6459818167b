// Package audit writes decision records for coordinator mutations.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/store"
)

// Outcomes recorded on entries.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
)

// Recorder writes decision records to the store.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRecorder creates a recorder. A nil store yields a recorder that
// discards everything.
func NewRecorder(s *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Enabled reports whether records are persisted.
func (r *Recorder) Enabled() bool { return r != nil && r.store != nil }

// Record writes an entry for action. inputs are hashed, not stored.
func (r *Recorder) Record(action string, inputs interface{}, outcome, runID, details string) (*models.AuditEntry, error) {
	if !r.Enabled() {
		return nil, nil
	}
	return r.store.WriteAudit(action, hashInputs(inputs), outcome, runID, details)
}

// Rejected records an operation that was refused with err.
func (r *Recorder) Rejected(action string, inputs interface{}, runID string, err error) {
	if _, werr := r.Record(action, inputs, OutcomeRejected, runID, err.Error()); werr != nil {
		r.logger.Warn("audit write failed", "action", action, "error", werr)
	}
}

// Handle is an event listener that records every lifecycle event.
func (r *Recorder) Handle(ev models.Event) {
	if !r.Enabled() {
		return
	}
	action, runID, details := describe(ev)
	if _, err := r.Record(action, ev, OutcomeSuccess, runID, details); err != nil {
		r.logger.Warn("audit write failed", "action", action, "run_id", runID, "error", err)
	}
}

// List returns recent entries, newest first.
func (r *Recorder) List(runID string, limit int) ([]models.AuditEntry, error) {
	if !r.Enabled() {
		return []models.AuditEntry{}, nil
	}
	return r.store.ListAudit(store.AuditFilter{RunID: runID, Limit: limit})
}

func describe(ev models.Event) (action, runID, details string) {
	action = string(ev.Type())
	switch e := ev.(type) {
	case models.RunCreated:
		return action, e.Run.ID, fmt.Sprintf("session %s (%s)", e.Run.SessionID, e.Run.Type)
	case models.RunClaimed:
		return action, e.Run.ID, fmt.Sprintf("claimed by runner %s", e.Run.RunnerID)
	case models.RunStarted:
		return action, e.Run.ID, fmt.Sprintf("started on runner %s", e.Run.RunnerID)
	case models.RunStopRequested:
		return action, e.Run.ID, fmt.Sprintf("stop queued for runner %s", e.Run.RunnerID)
	case models.RunFinished:
		details = string(e.Run.Status)
		if e.Run.Error != "" {
			details += ": " + e.Run.Error
		}
		return action, e.Run.ID, details
	case models.RunnerRegistered:
		details = e.Runner.Hostname
		if e.Reconnected {
			details += " (reconnected)"
		}
		return action, "", fmt.Sprintf("%s %s", e.Runner.ID, details)
	case models.RunnerDeregistered:
		return action, "", e.RunnerID
	case models.RunnerStale:
		return action, "", fmt.Sprintf("%s last heartbeat %s", e.Runner.ID, e.Runner.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00"))
	}
	return action, "", ""
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
