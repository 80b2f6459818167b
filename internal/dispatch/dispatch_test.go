package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relay/internal/models"
	"github.com/fentz26/relay/internal/queue"
	"github.com/fentz26/relay/internal/registry"
	"github.com/fentz26/relay/internal/session"
)

type env struct {
	q   *queue.Queue
	reg *registry.Registry
	d   *Dispatcher
}

func newEnv(t *testing.T, pollTimeout time.Duration) *env {
	t.Helper()
	q := queue.New(queue.Options{Sessions: session.New(nil)})
	reg := registry.New(time.Minute, nil)
	d := New(q, reg, Options{PollTimeout: pollTimeout})
	q.Subscribe(d.Handle)
	return &env{q: q, reg: reg, d: d}
}

func (e *env) register(t *testing.T, host string, tags ...string) string {
	t.Helper()
	view, _, err := e.reg.Register(registry.Registration{Hostname: host, ProjectDir: "/src", ExecutorType: "claude-code", Tags: tags})
	require.NoError(t, err)
	return view.ID
}

func (e *env) create(t *testing.T, d models.Demand) models.Run {
	t.Helper()
	run, err := e.q.Create(models.RunSpec{Type: models.RunTypeStartSession, Prompt: "go", Demands: d})
	require.NoError(t, err)
	return run
}

// waitParked blocks until n polls are parked.
func waitParked(t *testing.T, d *Dispatcher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.Waiting() >= n }, 2*time.Second, time.Millisecond)
}

func TestBroadcaster(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster()
	w1 := b.Wait()
	w2 := b.Wait()
	b.Broadcast()

	for _, w := range []<-chan struct{}{w1, w2} {
		select {
		case <-w:
		default:
			t.Fatal("waiter not woken")
		}
	}

	select {
	case <-b.Wait():
		t.Fatal("fresh channel must be open")
	default:
	}
}

func TestPoll_ImmediateAssignment(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Second)

	run := e.create(t, models.Demand{})
	id := e.register(t, "a")

	res, err := e.d.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Assigned, res.Outcome)
	assert.Equal(t, run.ID, res.Run.ID)
	assert.Equal(t, models.RunStatusClaimed, res.Run.Status)
	assert.Equal(t, id, res.Run.RunnerID)
}

func TestPoll_WokenByNewRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 5*time.Second)
	id := e.register(t, "a")

	done := make(chan Result, 1)
	go func() {
		res, _ := e.d.Poll(context.Background(), id)
		done <- res
	}()
	waitParked(t, e.d, 1)

	run := e.create(t, models.Demand{})

	select {
	case res := <-done:
		assert.Equal(t, Assigned, res.Outcome)
		assert.Equal(t, run.ID, res.Run.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("poll was not woken")
	}
	assert.Equal(t, 0, e.d.Waiting())
}

func TestPoll_TwoRunnersOneRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 200*time.Millisecond)

	ids := []string{e.register(t, "a"), e.register(t, "b")}
	run := e.create(t, models.Demand{})

	var wg sync.WaitGroup
	results := make([]Result, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := e.d.Poll(context.Background(), id)
			assert.NoError(t, err)
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	var assigned, empty int
	for _, res := range results {
		switch res.Outcome {
		case Assigned:
			assigned++
			assert.Equal(t, run.ID, res.Run.ID)
		case NoContent:
			empty++
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Equal(t, 1, empty)
}

func TestPoll_ManyParkedRunnersShareWork(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 500*time.Millisecond)

	const runners = 8
	var ids []string
	for i := range runners {
		ids = append(ids, e.register(t, string(rune('a'+i))))
	}

	var mu sync.Mutex
	got := make(map[string]string)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := e.d.Poll(context.Background(), id)
			assert.NoError(t, err)
			if res.Outcome == Assigned {
				mu.Lock()
				_, dup := got[res.Run.ID]
				assert.False(t, dup, "run %s handed out twice", res.Run.ID)
				got[res.Run.ID] = id
				mu.Unlock()
			}
		}(id)
	}
	waitParked(t, e.d, runners)

	for range 3 {
		e.create(t, models.Demand{})
	}
	wg.Wait()

	assert.Len(t, got, 3)
}

func TestPoll_TimesOut(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 50*time.Millisecond)
	id := e.register(t, "a")

	start := time.Now()
	res, err := e.d.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, NoContent, res.Outcome)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPoll_IgnoresUnmatchedRuns(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 100*time.Millisecond)

	plain := e.register(t, "plain")
	gpu := e.register(t, "gpu", "gpu")
	run := e.create(t, models.Demand{Tags: []string{"gpu"}})

	res, err := e.d.Poll(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, NoContent, res.Outcome)

	res, err = e.d.Poll(context.Background(), gpu)
	require.NoError(t, err)
	require.Equal(t, Assigned, res.Outcome)
	assert.Equal(t, run.ID, res.Run.ID)
}

func TestPoll_ContextCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Minute)
	id := e.register(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.d.Poll(ctx, id)
		errc <- err
	}()
	waitParked(t, e.d, 1)
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poll ignored cancellation")
	}
	require.Eventually(t, func() bool { return e.d.Waiting() == 0 }, time.Second, time.Millisecond)
}

func TestPoll_UnknownRunner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Second)

	_, err := e.d.Poll(context.Background(), "ghost")
	require.ErrorIs(t, err, models.ErrUnknownRunner)
}

func TestPoll_DeregisteredWhileParked(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Minute)
	id := e.register(t, "a")

	done := make(chan Result, 1)
	go func() {
		res, _ := e.d.Poll(context.Background(), id)
		done <- res
	}()
	waitParked(t, e.d, 1)

	require.NoError(t, e.reg.Deregister(id))
	e.d.Handle(models.RunnerDeregistered{RunnerID: id})

	select {
	case res := <-done:
		assert.Equal(t, Deregistered, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("poll not released on deregistration")
	}

	res, err := e.d.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Deregistered, res.Outcome)
}

func TestPoll_DeliversStop(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Minute)
	id := e.register(t, "a")
	run := e.create(t, models.Demand{})

	res, err := e.d.Poll(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, Assigned, res.Outcome)
	_, err = e.q.ReportStarted(run.ID, id)
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		res, _ := e.d.Poll(context.Background(), id)
		done <- res
	}()
	waitParked(t, e.d, 1)

	_, err = e.q.RequestStop(run.ID)
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, Stop, res.Outcome)
		assert.Equal(t, []string{run.ID}, res.StopRunIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("stop not delivered")
	}
}

func TestPoll_RefreshesHeartbeat(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	reg := registry.New(time.Minute, clock)
	q := queue.New(queue.Options{})
	d := New(q, reg, Options{PollTimeout: 10 * time.Millisecond})

	view, _, err := reg.Register(registry.Registration{Hostname: "a"})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(50 * time.Second)
	mu.Unlock()
	_, err = d.Poll(context.Background(), view.ID)
	require.NoError(t, err)

	got, err := reg.Get(view.ID)
	require.NoError(t, err)
	assert.Equal(t, clock(), got.LastHeartbeat)
}

func TestPollControl_NeverClaims(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 30*time.Millisecond)
	id := e.register(t, "a")
	run := e.create(t, models.Demand{})

	res, err := e.d.PollControl(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, NoContent, res.Outcome)

	got, err := e.q.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, got.Status)

	require.NoError(t, e.reg.Deregister(id))
	res, err = e.d.PollControl(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Deregistered, res.Outcome)
}
