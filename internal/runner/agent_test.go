package runner

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relay/internal/client"
	"github.com/fentz26/relay/internal/config"
	"github.com/fentz26/relay/internal/connectors"
	"github.com/fentz26/relay/internal/controlplane"
	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/registry"
)

type fakeConnector struct {
	mu    sync.Mutex
	calls []connectors.Invocation
	fn    func(ctx context.Context, inv connectors.Invocation) (*connectors.ExecResult, error)
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) Execute(ctx context.Context, inv connectors.Invocation) (*connectors.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &connectors.ExecResult{Output: "ok:" + inv.Prompt}, nil
	}
	return fn(ctx, inv)
}

func (f *fakeConnector) invocations() []connectors.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectors.Invocation(nil), f.calls...)
}

type harness struct {
	svc   *controlplane.Service
	api   *client.Client
	exec  *fakeConnector
	agent *Agent
	done  chan error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.PollTimeout = 200 * time.Millisecond
	svc := controlplane.NewService(controlplane.Options{Config: cfg})
	ts := httptest.NewServer(controlplane.NewServer(svc, "").Handler())
	t.Cleanup(ts.Close)

	if opts.Registration.Hostname == "" {
		opts.Registration = registry.Registration{Hostname: "host-a", ProjectDir: "/src"}
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	exec := &fakeConnector{}
	api := client.New(ts.URL)
	return &harness{
		svc:   svc,
		api:   api,
		exec:  exec,
		agent: New(api, exec, opts),
		done:  make(chan error, 1),
	}
}

func (h *harness) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not exit")
		}
	})
	require.Eventually(t, func() bool { return h.agent.RunnerID() != "" }, 2*time.Second, 5*time.Millisecond)
	return cancel
}

func (h *harness) create(t *testing.T, prompt string) models.Run {
	t.Helper()
	run, err := h.svc.CreateRun(models.RunSpec{Type: models.RunTypeStartSession, Prompt: prompt})
	require.NoError(t, err)
	return run
}

func (h *harness) waitStatus(t *testing.T, runID string, want models.RunStatus) models.Run {
	t.Helper()
	var run models.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = h.svc.GetRun(runID)
		return err == nil && run.Status == want
	}, 3*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

func TestAgent_ExecutesAndReportsCompletion(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	run := h.create(t, "build")
	got := h.waitStatus(t, run.ID, models.RunStatusCompleted)
	assert.Equal(t, "ok:build", got.Result)
	assert.Equal(t, h.agent.RunnerID(), got.RunnerID)

	invs := h.exec.invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, run.SessionID, invs[0].SessionID)

	sess, err := h.svc.GetSession(run.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "ok:build", sess.Result)
}

func TestAgent_ReportsFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.exec.fn = func(_ context.Context, inv connectors.Invocation) (*connectors.ExecResult, error) {
		if inv.Prompt == "crash" {
			return nil, errors.New("spawn failed")
		}
		return &connectors.ExecResult{ExitCode: 2, Stderr: "bad input"}, nil
	}
	h.start(t)

	crashed := h.create(t, "crash")
	got := h.waitStatus(t, crashed.ID, models.RunStatusFailed)
	assert.Equal(t, "spawn failed", got.Error)

	exited := h.create(t, "exit")
	got = h.waitStatus(t, exited.ID, models.RunStatusFailed)
	assert.Equal(t, "agent exited with code 2: bad input", got.Error)
}

func TestAgent_StopCancelsExecution(t *testing.T) {
	h := newHarness(t, Options{})
	h.exec.fn = func(ctx context.Context, _ connectors.Invocation) (*connectors.ExecResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.start(t)

	run := h.create(t, "long")
	h.waitStatus(t, run.ID, models.RunStatusRunning)

	_, err := h.svc.StopRun(run.ID)
	require.NoError(t, err)
	h.waitStatus(t, run.ID, models.RunStatusStopped)
	require.Eventually(t, func() bool { return h.agent.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAgent_RespectsMaxConcurrent(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	h.exec.fn = func(_ context.Context, inv connectors.Invocation) (*connectors.ExecResult, error) {
		if inv.Prompt == "first" {
			<-release
		}
		return &connectors.ExecResult{Output: inv.Prompt}, nil
	}
	h.start(t)

	first := h.create(t, "first")
	h.waitStatus(t, first.ID, models.RunStatusRunning)
	second := h.create(t, "second")

	// Long enough for several control polls.
	time.Sleep(300 * time.Millisecond)
	got, err := h.svc.GetRun(second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status, "no claim while at capacity")

	close(release)
	h.waitStatus(t, first.ID, models.RunStatusCompleted)
	h.waitStatus(t, second.ID, models.RunStatusCompleted)
}

func TestAgent_ExitsWhenDeregistered(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { h.done <- h.agent.Run(ctx) }()
	require.Eventually(t, func() bool { return h.agent.RunnerID() != "" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.DeregisterRunner(h.agent.RunnerID()))

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent kept polling after deregistration")
	}
}

func TestAgent_RetriesRegistrationWhileOldOneIsOnline(t *testing.T) {
	h := newHarness(t, Options{})
	reg := registry.Registration{Hostname: "host-a", ProjectDir: "/src", ExecutorType: "fake"}
	old, _, err := h.svc.RegisterRunner(reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.agent.RunnerID(), "must not register over a live runner")

	require.NoError(t, h.svc.DeregisterRunner(old.ID))
	require.Eventually(t, func() bool { return h.agent.RunnerID() == old.ID }, 2*time.Second, 5*time.Millisecond)
}

func TestAgent_DeregistersOnShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.agent.Run(ctx) }()
	require.Eventually(t, func() bool { return h.agent.RunnerID() != "" }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not exit")
	}
	assert.Empty(t, h.svc.ListRunners())
}
