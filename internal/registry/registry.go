// Package registry tracks runner identity, capabilities, and liveness.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/relay/internal/demand"
	"github.com/fentz26/relay/internal/models"
)

// DefaultHeartbeatTimeout is how long a runner stays online without a heartbeat.
const DefaultHeartbeatTimeout = 120 * time.Second

// runnerNamespace seeds deterministic runner IDs.
var runnerNamespace = uuid.MustParse("6f1c9f0e-3a57-4d2b-9d43-8a0f3c1e7b21")

// RunnerID derives the stable identity of a runner so that a restarted
// runner reconnects under the same ID.
func RunnerID(hostname, projectDir, executorType string) string {
	key := strings.Join([]string{hostname, projectDir, executorType}, "\x00")
	return uuid.NewSHA1(runnerNamespace, []byte(key)).String()
}

// Registration is what a runner declares about itself.
type Registration struct {
	Hostname     string   `json:"hostname"`
	ProjectDir   string   `json:"project_dir"`
	ExecutorType string   `json:"executor_type"`
	Tags         []string `json:"tags,omitempty"`
}

// Registry holds runner records. All methods are safe for concurrent use.
type Registry struct {
	mu               sync.Mutex
	runners          map[string]*models.Runner
	deregistered     map[string]time.Time
	reportedStale    map[string]bool
	heartbeatTimeout time.Duration
	clock            func() time.Time
}

// New creates an empty registry. A nil clock uses time.Now.
func New(heartbeatTimeout time.Duration, clock func() time.Time) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		runners:          make(map[string]*models.Runner),
		deregistered:     make(map[string]time.Time),
		reportedStale:    make(map[string]bool),
		heartbeatTimeout: heartbeatTimeout,
		clock:            func() time.Time { return clock().UTC() },
	}
}

// HeartbeatTimeout returns the liveness threshold.
func (r *Registry) HeartbeatTimeout() time.Duration { return r.heartbeatTimeout }

// Register records a runner. It fails with models.ErrRunnerConflict when the
// derived ID is already registered and online. A stale record is replaced and
// reconnected is true.
func (r *Registry) Register(reg Registration) (view models.RunnerView, reconnected bool, err error) {
	if strings.TrimSpace(reg.Hostname) == "" {
		return models.RunnerView{}, false, fmt.Errorf("%w: hostname is required", models.ErrInvalidSpec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	id := RunnerID(reg.Hostname, reg.ProjectDir, reg.ExecutorType)
	if existing, ok := r.runners[id]; ok {
		if r.statusAt(existing, now) == models.RunnerStatusOnline {
			return models.RunnerView{}, false, fmt.Errorf("%w: %s", models.ErrRunnerConflict, id)
		}
		reconnected = true
	}

	runner := &models.Runner{
		ID:            id,
		Hostname:      reg.Hostname,
		ProjectDir:    reg.ProjectDir,
		ExecutorType:  reg.ExecutorType,
		Tags:          demand.NormalizeTags(reg.Tags),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.runners[id] = runner
	delete(r.deregistered, id)
	delete(r.reportedStale, id)
	return r.viewAt(runner, now), reconnected, nil
}

// Heartbeat refreshes a runner's liveness.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownRunner, id)
	}
	runner.LastHeartbeat = r.clock()
	delete(r.reportedStale, id)
	return nil
}

// Get returns a snapshot of one runner.
func (r *Registry) Get(id string) (models.RunnerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runner, ok := r.runners[id]
	if !ok {
		return models.RunnerView{}, fmt.Errorf("%w: %s", models.ErrUnknownRunner, id)
	}
	return r.viewAt(runner, r.clock()), nil
}

// Status derives a runner's liveness from its last heartbeat.
func (r *Registry) Status(runner models.Runner) models.RunnerStatus {
	return r.statusAt(&runner, r.clock())
}

// Deregister removes a runner. Runs it had claimed are left untouched.
// The ID is remembered so that an in-flight poll can be told to exit.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runners[id]; !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownRunner, id)
	}
	delete(r.runners, id)
	delete(r.reportedStale, id)
	r.deregistered[id] = r.clock()
	return nil
}

// IsDeregistered reports whether id was removed and has not registered again.
func (r *Registry) IsDeregistered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.deregistered[id]
	return ok
}

// List returns all runners ordered by ID.
func (r *Registry) List() []models.RunnerView {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	views := make([]models.RunnerView, 0, len(r.runners))
	for _, runner := range r.runners {
		views = append(views, r.viewAt(runner, now))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// SweepStale returns runners that went stale since the previous sweep.
// Each lapse is reported once; a heartbeat or re-registration re-arms it.
// Deregistration tombstones older than the heartbeat timeout are dropped;
// any poll that could still need one has ended by then.
func (r *Registry) SweepStale() []models.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for id, at := range r.deregistered {
		if now.Sub(at) >= r.heartbeatTimeout {
			delete(r.deregistered, id)
		}
	}
	var lapsed []models.Runner
	for id, runner := range r.runners {
		if r.statusAt(runner, now) != models.RunnerStatusStale || r.reportedStale[id] {
			continue
		}
		r.reportedStale[id] = true
		lapsed = append(lapsed, cloneRunner(runner))
	}
	sort.Slice(lapsed, func(i, j int) bool { return lapsed[i].ID < lapsed[j].ID })
	return lapsed
}

func (r *Registry) statusAt(runner *models.Runner, now time.Time) models.RunnerStatus {
	if now.Sub(runner.LastHeartbeat) < r.heartbeatTimeout {
		return models.RunnerStatusOnline
	}
	return models.RunnerStatusStale
}

func (r *Registry) viewAt(runner *models.Runner, now time.Time) models.RunnerView {
	return models.RunnerView{Runner: cloneRunner(runner), Status: r.statusAt(runner, now)}
}

func cloneRunner(runner *models.Runner) models.Runner {
	c := *runner
	c.Tags = append([]string(nil), runner.Tags...)
	return c
}
