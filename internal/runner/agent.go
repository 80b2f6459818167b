// Package runner implements the runner agent: it registers with the
// coordinator, heartbeats, long-polls for runs, executes them through a
// connector, and reports their outcomes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fentz26/relay/internal/api"
	"github.com/fentz26/relay/internal/client"
	"github.com/fentz26/relay/internal/connectors"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/registry"
)

// DefaultRetryDelay spaces out retries of registration and failed polls.
const DefaultRetryDelay = 5 * time.Second

// reportTimeout bounds outcome reports, which outlive cancelled runs.
const reportTimeout = 15 * time.Second

// ErrDeregistered is returned by Run when the coordinator removed the runner.
var ErrDeregistered = errors.New("runner deregistered by coordinator")

// API is the coordinator surface the agent uses. *client.Client satisfies it.
type API interface {
	Register(ctx context.Context, reg registry.Registration) (api.RegisterResponse, error)
	Heartbeat(ctx context.Context, runnerID string) error
	Deregister(ctx context.Context, runnerID string) error
	Poll(ctx context.Context, runnerID string, claim bool) (api.PollResponse, bool, error)
	ReportStarted(ctx context.Context, runID, runnerID string) error
	ReportCompleted(ctx context.Context, runID, runnerID, result string) error
	ReportFailed(ctx context.Context, runID, runnerID, errMsg string) error
}

// Options configures an Agent.
type Options struct {
	Registration registry.Registration
	// MaxConcurrent caps simultaneous runs. Defaults to 1.
	MaxConcurrent int
	// HeartbeatInterval overrides the interval derived from the coordinator's
	// heartbeat timeout.
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	Logger            *slog.Logger
}

// Agent executes runs dispatched by the coordinator.
type Agent struct {
	api    API
	exec   connectors.Connector
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	runnerID    string
	heartbeat   time.Duration
	active      map[string]context.CancelFunc
	wakeControl context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an agent.
func New(api API, exec connectors.Connector, opts Options) *Agent {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registration.ExecutorType == "" {
		opts.Registration.ExecutorType = exec.Name()
	}
	return &Agent{
		api:    api,
		exec:   exec,
		opts:   opts,
		logger: opts.Logger,
		active: make(map[string]context.CancelFunc),
	}
}

// RunnerID returns the ID assigned at registration, or "" before it.
func (a *Agent) RunnerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runnerID
}

// Active returns the number of runs executing.
func (a *Agent) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Run registers and serves polls until ctx is done or the coordinator
// deregisters the runner. In-flight runs are cancelled and reported before
// it returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		a.heartbeatLoop(hbCtx)
	}()

	err := a.pollLoop(ctx)

	stopHeartbeat()
	<-hbDone
	a.cancelAll()
	a.wg.Wait()

	if errors.Is(err, ErrDeregistered) {
		a.logger.Info("deregistered by coordinator, exiting", "runner_id", a.RunnerID())
		return nil
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if derr := a.api.Deregister(dctx, a.RunnerID()); derr != nil {
		a.logger.Warn("deregister failed", "runner_id", a.RunnerID(), "error", derr)
	}
	return err
}

// register retries while a previous registration of this identity is still
// online or the coordinator is unreachable.
func (a *Agent) register(ctx context.Context) error {
	for {
		resp, err := a.api.Register(ctx, a.opts.Registration)
		if err == nil {
			a.mu.Lock()
			a.runnerID = resp.RunnerID
			a.heartbeat = a.opts.HeartbeatInterval
			if a.heartbeat <= 0 {
				a.heartbeat = time.Duration(resp.HeartbeatTimeoutSec) * time.Second / 3
			}
			if a.heartbeat <= 0 {
				a.heartbeat = 30 * time.Second
			}
			a.mu.Unlock()
			if pt, ok := a.api.(interface{ SetPollTimeout(time.Duration) }); ok {
				pt.SetPollTimeout(time.Duration(resp.PollTimeoutSec) * time.Second)
			}
			a.logger.Info("registered", "runner_id", resp.RunnerID, "reconnected", resp.Reconnected,
				"executor_type", a.opts.Registration.ExecutorType, "tags", a.opts.Registration.Tags)
			return nil
		}

		switch {
		case client.IsStatus(err, http.StatusConflict):
			a.logger.Warn("previous registration still online, retrying", "retry_in", a.opts.RetryDelay)
		case client.IsStatus(err, http.StatusBadRequest):
			return fmt.Errorf("register: %w", err)
		default:
			a.logger.Warn("register failed, retrying", "error", err, "retry_in", a.opts.RetryDelay)
		}
		if !sleep(ctx, a.opts.RetryDelay) {
			return ctx.Err()
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.mu.Lock()
	interval := a.heartbeat
	a.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.api.Heartbeat(ctx, a.RunnerID()); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", "runner_id", a.RunnerID(), "error", err)
			}
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pollCtx, claim := a.pollContext(ctx)
		resp, ok, err := a.api.Poll(pollCtx, a.RunnerID(), claim)
		a.clearWake()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case pollCtx.Err() != nil:
				// Capacity freed up mid control poll.
				continue
			case client.IsStatus(err, http.StatusNotFound):
				a.logger.Warn("coordinator forgot this runner, re-registering", "runner_id", a.RunnerID())
				if err := a.register(ctx); err != nil {
					return err
				}
			default:
				a.logger.Warn("poll failed", "error", err, "retry_in", a.opts.RetryDelay)
				if !sleep(ctx, a.opts.RetryDelay) {
					return ctx.Err()
				}
			}
			continue
		}
		if !ok {
			continue
		}

		switch {
		case resp.Deregistered:
			return ErrDeregistered
		case len(resp.Stop) > 0:
			for _, cmd := range resp.Stop {
				a.stop(cmd.RunID)
			}
		case resp.Run != nil:
			a.start(ctx, *resp.Run)
		}
	}
}

// pollContext decides whether the next poll may claim. A control poll gets a
// context that finish cancels, so a freed slot is used right away.
func (a *Agent) pollContext(ctx context.Context) (context.Context, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.active) < a.opts.MaxConcurrent {
		return ctx, true
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.wakeControl = cancel
	return pollCtx, false
}

func (a *Agent) clearWake() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wakeControl != nil {
		a.wakeControl()
		a.wakeControl = nil
	}
}

func (a *Agent) start(ctx context.Context, run models.Run) {
	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.active[run.ID] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.finish(run.ID)
		a.execute(runCtx, run)
	}()
}

func (a *Agent) finish(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.active[runID]; ok {
		cancel()
		delete(a.active, runID)
	}
	if a.wakeControl != nil {
		a.wakeControl()
		a.wakeControl = nil
	}
}

func (a *Agent) stop(runID string) {
	a.mu.Lock()
	cancel, ok := a.active[runID]
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("stop for run not executing here", "run_id", runID)
		return
	}
	a.logger.Info("stopping run", "run_id", runID)
	cancel()
}

func (a *Agent) cancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.active {
		cancel()
	}
}

func (a *Agent) execute(ctx context.Context, run models.Run) {
	runnerID := a.RunnerID()
	log := a.logger.With("run_id", run.ID, "session_id", run.SessionID)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	err := a.api.ReportStarted(rctx, run.ID, runnerID)
	cancel()
	if err != nil {
		// Typically the run was stopped between claim and start.
		log.Warn("start rejected, dropping run", "error", err)
		return
	}
	log.Info("run started", "type", run.Type)

	res, err := a.exec.Execute(ctx, connectors.InvocationFor(run))

	rctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	switch {
	case err != nil:
		log.Warn("run failed", "error", err)
		err = a.api.ReportFailed(rctx, run.ID, runnerID, err.Error())
	case !res.Succeeded():
		log.Warn("run failed", "exit_code", res.ExitCode)
		err = a.api.ReportFailed(rctx, run.ID, runnerID, res.FailureMessage())
	default:
		log.Info("run completed")
		err = a.api.ReportCompleted(rctx, run.ID, runnerID, res.Output)
	}
	if err != nil {
		log.Error("reporting outcome failed", "error", err)
	}
}

// sleep waits d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
