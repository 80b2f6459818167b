package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/relay/internal/models"
)

// RunSweeper fails pending runs whose demand timeout has passed.
type RunSweeper interface {
	SweepTimeouts() []models.Run
}

// RunnerSweeper reports runners whose heartbeat lapsed since the last sweep.
type RunnerSweeper interface {
	SweepStale() []models.Runner
}

// Scheduler periodically sweeps the run queue and the runner registry.
type Scheduler struct {
	runs    RunSweeper
	runners RunnerSweeper
	emit    func(models.Event)
	config  *Config
	logger  *slog.Logger

	mu        sync.Mutex
	sweeps    int
	timedOut  int
	staleSeen int
	lastSweep time.Time

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler. emit receives a RunnerStale event for each
// lapsed runner; it may be nil.
func New(runs RunSweeper, runners RunnerSweeper, emit func(models.Event), cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(models.Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runs:    runs,
		runners: runners,
		emit:    emit,
		config:  cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the sweep loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.loop()
	sch.logger.Info("scheduler started", "interval", sch.config.interval())
}

// Stop gracefully stops the scheduler.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.interval())
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.Sweep()
		}
	}
}

// Sweep runs one pass: demand timeouts first, then runner staleness.
// Runs held by a stale runner are left as they are.
func (sch *Scheduler) Sweep() {
	expired := sch.runs.SweepTimeouts()
	lapsed := sch.runners.SweepStale()

	for _, runner := range lapsed {
		sch.logger.Warn("runner went stale",
			"runner_id", runner.ID,
			"hostname", runner.Hostname,
			"last_heartbeat", runner.LastHeartbeat)
		sch.emit(models.RunnerStale{Runner: runner})
	}

	sch.mu.Lock()
	sch.sweeps++
	sch.timedOut += len(expired)
	sch.staleSeen += len(lapsed)
	sch.lastSweep = time.Now().UTC()
	sch.mu.Unlock()
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	stats := map[string]interface{}{
		"sweeps":         sch.sweeps,
		"runs_timed_out": sch.timedOut,
		"runners_stale":  sch.staleSeen,
		"interval":       sch.config.interval().String(),
	}
	if !sch.lastSweep.IsZero() {
		stats["last_sweep"] = sch.lastSweep
	}
	return stats
}
