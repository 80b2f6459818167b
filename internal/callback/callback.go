// Package callback resumes a parent session when a child run it spawned in
// async_callback mode finishes.
package callback

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/fentz26/relay/internal/models"
)

// RunCreator enqueues runs. *queue.Queue satisfies it.
type RunCreator interface {
	Create(spec models.RunSpec) (models.Run, error)
}

// SessionLookup resolves the parent session. *session.Manager satisfies it.
type SessionLookup interface {
	Get(id string) (models.Session, error)
}

// Processor turns child completions into resume runs on the parent session.
// Each child run produces at most one callback run no matter how many times
// its completion is delivered.
type Processor struct {
	runs     RunCreator
	sessions SessionLookup
	logger   *slog.Logger

	mu    sync.Mutex
	fired map[string]string // child run ID -> callback run ID ("" while in flight)
}

// NewProcessor creates a processor. sessions may be nil, in which case the
// callback run inherits nothing from the parent session.
func NewProcessor(runs RunCreator, sessions SessionLookup, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		runs:     runs,
		sessions: sessions,
		logger:   logger,
		fired:    make(map[string]string),
	}
}

// Handle is a queue listener. It must be subscribed to the queue that emits
// RunFinished, which guarantees the child is already terminal when a
// callback is created.
func (p *Processor) Handle(ev models.Event) {
	finished, ok := ev.(models.RunFinished)
	if !ok {
		return
	}
	if _, _, err := p.Deliver(finished.Run); err != nil {
		p.logger.Warn("callback failed",
			"child_run_id", finished.Run.ID,
			"parent_session_id", finished.Run.ParentSessionID,
			"error", err)
	}
}

// Deliver creates the callback run for child if one is due. created is false
// when child does not want a callback or one was already created.
func (p *Processor) Deliver(child models.Run) (cb models.Run, created bool, err error) {
	if !child.WantsCallback() {
		return models.Run{}, false, nil
	}
	if child.Status != models.RunStatusCompleted && child.Status != models.RunStatusFailed {
		return models.Run{}, false, nil
	}

	if !p.reserve(child.ID) {
		return models.Run{}, false, nil
	}

	spec := models.RunSpec{
		Type:          models.RunTypeResumeSession,
		SessionID:     child.ParentSessionID,
		Prompt:        Prompt(child),
		ExecutionMode: models.ExecutionModeSync,
	}
	if p.sessions != nil {
		if parent, err := p.sessions.Get(child.ParentSessionID); err == nil {
			spec.ProjectDir = parent.ProjectDir
			spec.AgentName = parent.AgentName
		}
	}

	cb, err = p.runs.Create(spec)
	if err != nil {
		p.release(child.ID)
		return models.Run{}, false, fmt.Errorf("create callback for run %s: %w", child.ID, err)
	}

	p.mu.Lock()
	p.fired[child.ID] = cb.ID
	p.mu.Unlock()

	p.logger.Info("callback enqueued",
		"child_run_id", child.ID,
		"callback_run_id", cb.ID,
		"parent_session_id", child.ParentSessionID)
	return cb, true, nil
}

// CallbackFor returns the callback run ID created for a child run.
func (p *Processor) CallbackFor(childRunID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.fired[childRunID]
	return id, ok && id != ""
}

func (p *Processor) reserve(childRunID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.fired[childRunID]; ok {
		return false
	}
	p.fired[childRunID] = ""
	return true
}

func (p *Processor) release(childRunID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fired[childRunID] == "" {
		delete(p.fired, childRunID)
	}
}

// Prompt renders the message handed to the parent agent.
func Prompt(child models.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Child session %s (run %s) ", child.SessionID, child.ID)
	switch child.Status {
	case models.RunStatusCompleted:
		b.WriteString("completed.\n\nResult:\n")
		b.WriteString(child.Result)
	default:
		b.WriteString("failed.\n\nError:\n")
		b.WriteString(child.Error)
	}
	return b.String()
}
