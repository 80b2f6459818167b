// Package session derives session state from the lifecycle of its runs.
package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/relay/internal/models"
)

// Manager owns all Session records. Status is never set directly; it follows
// the session's current run, which is the most recently created run.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	// reported holds sessions whose current run has moved the session's
	// status since it became current.
	reported map[string]bool
	clock    func() time.Time
}

// New creates an empty session manager. A nil clock uses time.Now.
func New(clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		sessions: make(map[string]*models.Session),
		reported: make(map[string]bool),
		clock:    func() time.Time { return clock().UTC() },
	}
}

// Exists reports whether a session has been created.
func (m *Manager) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// Admit validates a new run against session state and makes it the session's
// current run. A start_session run creates the session; a resume_session run
// requires it to exist.
func (m *Manager) Admit(run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[run.SessionID]
	switch run.Type {
	case models.RunTypeStartSession:
		if ok {
			return fmt.Errorf("%w: session %s already exists", models.ErrInvalidSpec, run.SessionID)
		}
		m.sessions[run.SessionID] = &models.Session{
			ID:              run.SessionID,
			Status:          models.SessionStatusPending,
			CreatedAt:       run.CreatedAt,
			ProjectDir:      run.ProjectDir,
			AgentName:       run.AgentName,
			ParentSessionID: run.ParentSessionID,
			ExecutionMode:   run.ExecutionMode,
			CurrentRunID:    run.ID,
		}
	case models.RunTypeResumeSession:
		if !ok {
			return fmt.Errorf("%w: resume of unknown session %s", models.ErrInvalidSpec, run.SessionID)
		}
		sess.CurrentRunID = run.ID
		delete(m.reported, run.SessionID)
	default:
		return fmt.Errorf("%w: unknown run type %q", models.ErrInvalidSpec, run.Type)
	}
	return nil
}

// Apply folds a run status change into its session. A run that is no longer
// the session's current run only contributes its result; see applySuperseded.
func (m *Manager) Apply(run models.Run) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[run.SessionID]
	if !ok {
		return
	}
	if sess.CurrentRunID != run.ID {
		m.applySuperseded(sess, run)
		return
	}
	if run.Status != models.RunStatusPending && run.Status != models.RunStatusClaimed {
		m.reported[run.SessionID] = true
	}

	switch run.Status {
	case models.RunStatusRunning:
		sess.Status = models.SessionStatusRunning
		sess.Error = ""
		if run.Type == models.RunTypeResumeSession {
			now := m.clock()
			sess.LastResumedAt = &now
		}
	case models.RunStatusStopping:
		sess.Status = models.SessionStatusStopping
	case models.RunStatusCompleted:
		sess.Status = models.SessionStatusFinished
		sess.Result = run.Result
		sess.Error = ""
	case models.RunStatusFailed:
		sess.Status = models.SessionStatusFinished
		sess.Error = run.Error
	case models.RunStatusStopped:
		sess.Status = models.SessionStatusStopped
	}
}

// applySuperseded handles a run displaced by a newer one, typically a
// callback resume enqueued while the parent's own run was still going. Its
// result stays readable on the session, and if the current run has not
// reported yet the session drops back to pending, the state of that run.
// A superseded failure leaves the session's error alone.
func (m *Manager) applySuperseded(sess *models.Session, run models.Run) {
	if !run.Status.Terminal() {
		return
	}
	if run.Status == models.RunStatusCompleted {
		sess.Result = run.Result
	}
	if !m.reported[sess.ID] {
		sess.Status = models.SessionStatusPending
	}
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s", models.ErrUnknownSession, id)
	}
	return cloneSession(sess), nil
}

// List returns all sessions, oldest first.
func (m *Manager) List() []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneSession(s *models.Session) models.Session {
	c := *s
	if s.LastResumedAt != nil {
		t := *s.LastResumedAt
		c.LastResumedAt = &t
	}
	return c
}
