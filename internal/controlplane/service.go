// Package controlplane provides the HTTP API and service layer for relay.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/relay/internal/api"
	"github.com/fentz26/relay/internal/audit"
	"github.com/fentz26/relay/internal/blueprint"
	"github.com/fentz26/relay/internal/callback"
	"github.com/fentz26/relay/internal/config"
	"github.com/fentz26/relay/internal/dispatch"
	"github.com/fentz26/relay/internal/events"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/queue"
	"github.com/fentz26/relay/internal/registry"
	"github.com/fentz26/relay/internal/scheduler"
	"github.com/fentz26/relay/internal/session"
	"github.com/fentz26/relay/internal/store"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "0.1.0-dev"

// Options configures a Service.
type Options struct {
	Config *config.Config
	// Store backs the audit log. Nil disables auditing.
	Store *store.Store
	// Bus receives lifecycle events. Nil uses an in-process bus.
	Bus    events.Bus
	Logger *slog.Logger
	// Clock is injected into the time-dependent components. Nil uses time.Now.
	Clock func() time.Time
}

// Service provides the control plane business logic.
type Service struct {
	cfg        *config.Config
	store      *store.Store
	runs       *queue.Queue
	runners    *registry.Registry
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	callbacks  *callback.Processor
	blueprints *blueprint.Catalog
	sweeper    *scheduler.Scheduler
	recorder   *audit.Recorder
	bus        events.Bus
	publisher  *events.Publisher
	logger     *slog.Logger
	started    time.Time
}

// NewService wires the coordinator components together.
func NewService(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewMemoryBus()
	}
	subject := cfg.Events.Subject
	if subject == "" {
		subject = events.DefaultSubject
	}

	s := &Service{
		cfg:        cfg,
		store:      opts.Store,
		sessions:   session.New(clock),
		runners:    registry.New(cfg.HeartbeatTimeout, clock),
		blueprints: blueprint.NewCatalog(cfg.Blueprints),
		recorder:   audit.NewRecorder(opts.Store, logger.With("component", "audit")),
		bus:        bus,
		publisher:  events.NewPublisher(bus, subject, logger.With("component", "events")),
		logger:     logger,
		started:    clock(),
	}
	s.runs = queue.New(queue.Options{
		DemandTimeout: cfg.DemandTimeout,
		Clock:         clock,
		Sessions:      s.sessions,
		Logger:        logger.With("component", "queue"),
	})
	s.dispatcher = dispatch.New(s.runs, s.runners, dispatch.Options{
		PollTimeout: cfg.PollTimeout,
		Logger:      logger.With("component", "dispatch"),
	})
	s.callbacks = callback.NewProcessor(s.runs, s.sessions, logger.With("component", "callback"))
	s.sweeper = scheduler.New(s.runs, s.runners, s.emit,
		&scheduler.Config{Interval: cfg.SweepInterval}, logger.With("component", "scheduler"))

	s.runs.Subscribe(s.emit)
	return s
}

// emit fans an event out to every consumer. Wake-ups go first so parked
// polls see new work before slower consumers run. Callbacks go last: the
// resume run they create emits its own events, which must follow the
// child's run.finished in the audit log and on the bus.
func (s *Service) emit(ev models.Event) {
	s.dispatcher.Handle(ev)
	s.recorder.Handle(ev)
	s.publisher.Handle(ev)
	s.callbacks.Handle(ev)
}

// Start launches the background sweeper and event publisher.
func (s *Service) Start() {
	s.publisher.Start()
	s.sweeper.Start()
}

// Stop halts background work and flushes queued events.
func (s *Service) Stop() {
	s.sweeper.Stop()
	s.publisher.Stop()
}

// --- Run Operations ---

// CreateRun resolves blueprint demands and enqueues a run.
func (s *Service) CreateRun(spec models.RunSpec) (models.Run, error) {
	resolved, err := s.blueprints.Resolve(spec)
	if err != nil {
		s.recorder.Rejected("run.create", spec, "", err)
		return models.Run{}, err
	}
	run, err := s.runs.Create(resolved)
	if err != nil {
		s.recorder.Rejected("run.create", spec, "", err)
		return models.Run{}, err
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(id string) (models.Run, error) {
	return s.runs.Get(id)
}

// ListRuns returns runs matching f.
func (s *Service) ListRuns(f queue.Filter) []models.Run {
	return s.runs.List(f)
}

// StopRun requests that a run stop.
func (s *Service) StopRun(id string) (models.Run, error) {
	run, err := s.runs.RequestStop(id)
	if err != nil {
		s.recorder.Rejected("run.stop", map[string]string{"run_id": id}, id, err)
		return models.Run{}, err
	}
	return run, nil
}

// --- Runner Operations ---

// RegisterRunner records a runner and announces it.
func (s *Service) RegisterRunner(reg registry.Registration) (models.RunnerView, bool, error) {
	view, reconnected, err := s.runners.Register(reg)
	if err != nil {
		s.recorder.Rejected("runner.register", reg, "", err)
		return models.RunnerView{}, false, err
	}
	s.emit(models.RunnerRegistered{Runner: view.Runner, Reconnected: reconnected})
	return view, reconnected, nil
}

// Heartbeat refreshes a runner's liveness.
func (s *Service) Heartbeat(runnerID string) error {
	return s.runners.Heartbeat(runnerID)
}

// DeregisterRunner removes a runner. Its in-flight poll answers deregistered.
func (s *Service) DeregisterRunner(runnerID string) error {
	if err := s.runners.Deregister(runnerID); err != nil {
		return err
	}
	s.emit(models.RunnerDeregistered{RunnerID: runnerID})
	return nil
}

// ListRunners returns every registered runner with its derived status.
func (s *Service) ListRunners() []models.RunnerView {
	return s.runners.List()
}

// Poll serves one runner long-poll.
func (s *Service) Poll(ctx context.Context, runnerID string) (dispatch.Result, error) {
	return s.dispatcher.Poll(ctx, runnerID)
}

// PollControl serves a poll from a runner with no free capacity; it only
// delivers stop commands and deregistration.
func (s *Service) PollControl(ctx context.Context, runnerID string) (dispatch.Result, error) {
	return s.dispatcher.PollControl(ctx, runnerID)
}

// PollTimeout is how long Poll may block.
func (s *Service) PollTimeout() time.Duration {
	return s.dispatcher.PollTimeout()
}

// ReportStarted marks a claimed run as running.
func (s *Service) ReportStarted(runID, runnerID string) (models.Run, error) {
	run, err := s.runs.ReportStarted(runID, runnerID)
	if err != nil {
		s.rejectReport("run.started", runID, runnerID, err)
	}
	return run, err
}

// ReportCompleted records a successful outcome.
func (s *Service) ReportCompleted(runID, runnerID, result string) (models.Run, error) {
	run, err := s.runs.ReportCompleted(runID, runnerID, result)
	if err != nil {
		s.rejectReport("run.completed", runID, runnerID, err)
	}
	return run, err
}

// ReportFailed records a failed outcome.
func (s *Service) ReportFailed(runID, runnerID, errMsg string) (models.Run, error) {
	run, err := s.runs.ReportFailed(runID, runnerID, errMsg)
	if err != nil {
		s.rejectReport("run.failed", runID, runnerID, err)
	}
	return run, err
}

func (s *Service) rejectReport(action, runID, runnerID string, err error) {
	s.logger.Warn("report rejected", "action", action, "run_id", runID, "runner_id", runnerID, "error", err)
	s.recorder.Rejected(action, map[string]string{"run_id": runID, "runner_id": runnerID}, runID, err)
}

// --- Session Operations ---

// GetSession retrieves a session by ID.
func (s *Service) GetSession(id string) (models.Session, error) {
	return s.sessions.Get(id)
}

// ListSessions returns all sessions, oldest first.
func (s *Service) ListSessions() []models.Session {
	return s.sessions.List()
}

// SessionRuns returns the runs of a session in creation order.
func (s *Service) SessionRuns(id string) ([]models.Run, error) {
	if !s.sessions.Exists(id) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownSession, id)
	}
	return s.runs.GetBySessionID(id), nil
}

// --- Blueprints ---

// ReloadBlueprints swaps in a new blueprint catalog.
func (s *Service) ReloadBlueprints(bps map[string]blueprint.Blueprint) {
	s.blueprints.Replace(bps)
	s.logger.Info("blueprints reloaded", "names", s.blueprints.Names())
}

// Blueprints returns the names of the loaded blueprints.
func (s *Service) Blueprints() []string {
	return s.blueprints.Names()
}

// --- Observability ---

// Stats returns a snapshot of coordinator counters.
func (s *Service) Stats() api.Stats {
	st := api.Stats{
		Runs:          s.runs.Stats(),
		Sessions:      len(s.sessions.List()),
		WaitingPolls:  s.dispatcher.Waiting(),
		EventsDropped: s.publisher.Dropped(),
		Scheduler:     s.sweeper.GetStats(),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
	}
	for _, r := range s.runners.List() {
		if r.Status == models.RunnerStatusOnline {
			st.RunnersOnline++
		} else {
			st.RunnersStale++
		}
	}
	return st
}

// Audit returns decision records, newest first.
func (s *Service) Audit(runID string, limit int) ([]models.AuditEntry, error) {
	return s.recorder.List(runID, limit)
}

// Subscribe streams published event envelopes until ctx is done or the
// returned function is called.
func (s *Service) Subscribe(ctx context.Context) (<-chan events.Envelope, func(), error) {
	return s.bus.Subscribe(ctx, s.publisher.Subject())
}

// DBStatus reports the audit store health: "ok", "disabled", or the error.
func (s *Service) DBStatus(ctx context.Context) string {
	if s.store == nil {
		return "disabled"
	}
	if err := s.store.Ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}
