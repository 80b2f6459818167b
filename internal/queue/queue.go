// Package queue owns runs end to end: creation, atomic claiming, status
// transitions, and demand timeouts.
//
// Every mutation happens under a single mutex. Session state is updated
// inside the same critical section so that a run and its session never
// disagree. Lifecycle events are delivered to listeners after the lock is
// released, so listeners may call back into the queue.
package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/relay/internal/demand"
	"github.com/fentz26/relay/internal/models"
)

// DefaultDemandTimeout bounds how long a run with demands may stay pending.
const DefaultDemandTimeout = 5 * time.Minute

// SessionTracker is notified synchronously, under the queue lock.
type SessionTracker interface {
	// Admit validates and records a run that is about to be created.
	Admit(run models.Run) error
	// Apply reflects a run status change.
	Apply(run models.Run)
}

// Listener receives lifecycle events after the queue lock is released.
type Listener func(models.Event)

// Options configures a Queue.
type Options struct {
	DemandTimeout time.Duration
	Clock         func() time.Time
	Sessions      SessionTracker
	Logger        *slog.Logger
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status    models.RunStatus
	SessionID string
	RunnerID  string
}

// Queue is the in-memory run queue.
type Queue struct {
	mu        sync.Mutex
	runs      map[string]*models.Run
	pending   []*models.Run
	bySession map[string][]string
	stops     map[string][]string
	listeners []Listener

	sessions      SessionTracker
	demandTimeout time.Duration
	clock         func() time.Time
	logger        *slog.Logger
}

// New creates an empty queue.
func New(opts Options) *Queue {
	if opts.DemandTimeout <= 0 {
		opts.DemandTimeout = DefaultDemandTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		runs:          make(map[string]*models.Run),
		bySession:     make(map[string][]string),
		stops:         make(map[string][]string),
		sessions:      opts.Sessions,
		demandTimeout: opts.DemandTimeout,
		clock:         func() time.Time { return clock().UTC() },
		logger:        opts.Logger,
	}
}

// Subscribe adds a listener for lifecycle events.
func (q *Queue) Subscribe(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// Create validates spec and enqueues a pending run.
func (q *Queue) Create(spec models.RunSpec) (models.Run, error) {
	q.mu.Lock()
	run, err := q.createLocked(spec)
	listeners := q.listeners
	q.mu.Unlock()

	if err != nil {
		return models.Run{}, err
	}
	q.logger.Debug("run created", "run_id", run.ID, "session_id", run.SessionID, "type", run.Type)
	notify(listeners, models.RunCreated{Run: run})
	return run, nil
}

func (q *Queue) createLocked(spec models.RunSpec) (models.Run, error) {
	if !spec.Type.Valid() {
		return models.Run{}, fmt.Errorf("%w: unknown run type %q", models.ErrInvalidSpec, spec.Type)
	}
	mode := spec.ExecutionMode
	if mode == "" {
		mode = models.ExecutionModeSync
	}
	if !mode.Valid() {
		return models.Run{}, fmt.Errorf("%w: unknown execution mode %q", models.ErrInvalidSpec, spec.ExecutionMode)
	}
	if mode == models.ExecutionModeAsyncCallback && spec.ParentSessionID == "" {
		return models.Run{}, fmt.Errorf("%w: async_callback requires parent_session_id", models.ErrInvalidSpec)
	}

	sessionID := strings.TrimSpace(spec.SessionID)
	if sessionID == "" {
		if spec.Type == models.RunTypeResumeSession {
			return models.Run{}, fmt.Errorf("%w: resume_session requires session_id", models.ErrInvalidSpec)
		}
		sessionID = uuid.NewString()
	}

	now := q.clock()
	run := &models.Run{
		ID:              uuid.NewString(),
		Type:            spec.Type,
		SessionID:       sessionID,
		Prompt:          spec.Prompt,
		AgentName:       spec.AgentName,
		ProjectDir:      spec.ProjectDir,
		ParentSessionID: spec.ParentSessionID,
		ExecutionMode:   mode,
		Demands:         demand.Normalize(spec.Demands),
		Status:          models.RunStatusPending,
		CreatedAt:       now,
	}
	if !run.Demands.IsEmpty() {
		timeoutAt := now.Add(q.demandTimeout)
		run.TimeoutAt = &timeoutAt
	}

	if q.sessions != nil {
		if err := q.sessions.Admit(run.Clone()); err != nil {
			return models.Run{}, err
		}
	}

	q.runs[run.ID] = run
	q.pending = append(q.pending, run)
	q.bySession[run.SessionID] = append(q.bySession[run.SessionID], run.ID)
	return run.Clone(), nil
}

// Claim hands the oldest pending run whose demands the runner satisfies to
// that runner. The scan and the transition happen under one lock, so no two
// claimers can win the same run.
func (q *Queue) Claim(runner models.Runner) (models.Run, bool) {
	q.mu.Lock()
	var claimed *models.Run
	for i, run := range q.pending {
		if !demand.Matches(run.Demands, runner) {
			continue
		}
		now := q.clock()
		run.Status = models.RunStatusClaimed
		run.RunnerID = runner.ID
		run.ClaimedAt = &now
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		q.applySession(run)
		claimed = run
		break
	}
	var out models.Run
	if claimed != nil {
		out = claimed.Clone()
	}
	listeners := q.listeners
	q.mu.Unlock()

	if claimed == nil {
		return models.Run{}, false
	}
	q.logger.Debug("run claimed", "run_id", out.ID, "runner_id", runner.ID)
	notify(listeners, models.RunClaimed{Run: out})
	return out, true
}

// ReportStarted moves a claimed run to running.
func (q *Queue) ReportStarted(runID, runnerID string) (models.Run, error) {
	return q.transition(runID, func(run *models.Run, now time.Time) (models.Event, error) {
		if err := checkOwner(run, runnerID); err != nil {
			return nil, err
		}
		if run.Status != models.RunStatusClaimed {
			return nil, invalidTransition(run, models.RunStatusRunning)
		}
		run.Status = models.RunStatusRunning
		run.StartedAt = &now
		return models.RunStarted{Run: run.Clone()}, nil
	})
}

// ReportCompleted finishes a running run. A run that was asked to stop ends
// as stopped regardless of the runner's outcome.
func (q *Queue) ReportCompleted(runID, runnerID, result string) (models.Run, error) {
	return q.finish(runID, runnerID, models.RunStatusCompleted, func(run *models.Run) {
		run.Result = result
	})
}

// ReportFailed finishes a running run with an error.
func (q *Queue) ReportFailed(runID, runnerID, errMsg string) (models.Run, error) {
	return q.finish(runID, runnerID, models.RunStatusFailed, func(run *models.Run) {
		run.Error = errMsg
	})
}

func (q *Queue) finish(runID, runnerID string, outcome models.RunStatus, record func(*models.Run)) (models.Run, error) {
	return q.transition(runID, func(run *models.Run, now time.Time) (models.Event, error) {
		if err := checkOwner(run, runnerID); err != nil {
			return nil, err
		}
		final := outcome
		switch run.Status {
		case models.RunStatusRunning:
		case models.RunStatusStopping:
			final = models.RunStatusStopped
		default:
			return nil, invalidTransition(run, outcome)
		}
		record(run)
		run.Status = final
		run.CompletedAt = &now
		q.dropStopLocked(run)
		return models.RunFinished{Run: run.Clone()}, nil
	})
}

// RequestStop stops a run. Pending and claimed runs stop immediately; a
// running run moves to stopping and a stop command is queued for its runner.
func (q *Queue) RequestStop(runID string) (models.Run, error) {
	return q.transition(runID, func(run *models.Run, now time.Time) (models.Event, error) {
		switch run.Status {
		case models.RunStatusPending:
			q.removePendingLocked(run.ID)
			fallthrough
		case models.RunStatusClaimed:
			run.Status = models.RunStatusStopped
			run.CompletedAt = &now
			return models.RunFinished{Run: run.Clone()}, nil
		case models.RunStatusRunning:
			run.Status = models.RunStatusStopping
			q.stops[run.RunnerID] = append(q.stops[run.RunnerID], run.ID)
			return models.RunStopRequested{Run: run.Clone()}, nil
		default:
			return nil, invalidTransition(run, models.RunStatusStopped)
		}
	})
}

// TakeStops returns and clears the stop commands queued for a runner.
func (q *Queue) TakeStops(runnerID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.stops[runnerID]
	delete(q.stops, runnerID)
	return ids
}

// SweepTimeouts fails every pending run whose demand timeout has passed.
func (q *Queue) SweepTimeouts() []models.Run {
	q.mu.Lock()
	now := q.clock()
	var expired []models.Run
	kept := q.pending[:0]
	for _, run := range q.pending {
		if run.TimeoutAt == nil || !run.TimeoutAt.Before(now) {
			kept = append(kept, run)
			continue
		}
		run.Status = models.RunStatusFailed
		run.Error = models.DemandTimeoutError
		run.CompletedAt = &now
		q.applySession(run)
		expired = append(expired, run.Clone())
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	listeners := q.listeners
	q.mu.Unlock()

	for _, run := range expired {
		q.logger.Info("run timed out waiting for a runner", "run_id", run.ID, "session_id", run.SessionID)
		notify(listeners, models.RunFinished{Run: run})
	}
	return expired
}

// Get returns a snapshot of one run.
func (q *Queue) Get(runID string) (models.Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, ok := q.runs[runID]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", models.ErrUnknownRun, runID)
	}
	return run.Clone(), nil
}

// GetBySessionID returns the runs of a session, oldest first.
func (q *Queue) GetBySessionID(sessionID string) []models.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.bySession[sessionID]
	out := make([]models.Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.runs[id].Clone())
	}
	return out
}

// List returns runs matching f, oldest first.
func (q *Queue) List(f Filter) []models.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.Run, 0)
	for _, run := range q.runs {
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		if f.SessionID != "" && run.SessionID != f.SessionID {
			continue
		}
		if f.RunnerID != "" && run.RunnerID != f.RunnerID {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns run counts per status.
func (q *Queue) Stats() map[models.RunStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[models.RunStatus]int)
	for _, run := range q.runs {
		counts[run.Status]++
	}
	return counts
}

// transition applies mutate under the lock and emits its event afterwards.
func (q *Queue) transition(runID string, mutate func(*models.Run, time.Time) (models.Event, error)) (models.Run, error) {
	q.mu.Lock()
	run, ok := q.runs[runID]
	if !ok {
		q.mu.Unlock()
		return models.Run{}, fmt.Errorf("%w: %s", models.ErrUnknownRun, runID)
	}
	ev, err := mutate(run, q.clock())
	if err != nil {
		q.mu.Unlock()
		return models.Run{}, err
	}
	q.applySession(run)
	out := run.Clone()
	listeners := q.listeners
	q.mu.Unlock()

	q.logger.Debug("run transition", "run_id", out.ID, "status", out.Status, "runner_id", out.RunnerID)
	notify(listeners, ev)
	return out, nil
}

func (q *Queue) applySession(run *models.Run) {
	if q.sessions != nil {
		q.sessions.Apply(run.Clone())
	}
}

func (q *Queue) removePendingLocked(runID string) {
	for i, run := range q.pending {
		if run.ID == runID {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) dropStopLocked(run *models.Run) {
	ids := q.stops[run.RunnerID]
	for i, id := range ids {
		if id == run.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(q.stops, run.RunnerID)
		return
	}
	q.stops[run.RunnerID] = ids
}

func checkOwner(run *models.Run, runnerID string) error {
	if run.RunnerID == "" || run.RunnerID != runnerID {
		return fmt.Errorf("%w: run %s is not claimed by runner %s", models.ErrInvalidTransition, run.ID, runnerID)
	}
	return nil
}

func invalidTransition(run *models.Run, to models.RunStatus) error {
	return fmt.Errorf("%w: run %s is %s, cannot move to %s", models.ErrInvalidTransition, run.ID, run.Status, to)
}

func notify(listeners []Listener, ev models.Event) {
	for _, l := range listeners {
		l(ev)
	}
}
