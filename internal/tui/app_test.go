package tui

import (
	"context"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relay/internal/api"
	"github.com/fentz26/relay/internal/models"
)

type fakeAPI struct {
	mu       sync.Mutex
	runs     []models.Run
	runners  []models.RunnerView
	sessions []models.Session
	created  []models.RunSpec
	stopped  []string
	filters  []models.RunStatus
}

func (f *fakeAPI) CreateRun(_ context.Context, spec models.RunSpec) (api.CreateRunResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return api.CreateRunResponse{RunID: "run-0001-abcd", Status: models.RunStatusPending, SessionID: "sess-0001-abcd"}, nil
}

func (f *fakeAPI) ListRuns(_ context.Context, status models.RunStatus, _ string) ([]models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, status)
	return f.runs, nil
}

func (f *fakeAPI) StopRun(_ context.Context, id string) (models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return models.Run{ID: id, Status: models.RunStatusStopping}, nil
}

func (f *fakeAPI) ListRunners(context.Context) ([]models.RunnerView, error) { return f.runners, nil }

func (f *fakeAPI) ListSessions(context.Context) ([]models.Session, error) { return f.sessions, nil }

func (f *fakeAPI) GetSession(_ context.Context, id string) (models.Session, error) {
	for _, s := range f.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return models.Session{}, models.ErrUnknownSession
}

func (f *fakeAPI) SessionRuns(_ context.Context, id string) ([]models.Run, error) {
	var out []models.Run
	for _, r := range f.runs {
		if r.SessionID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAPI) Stats(context.Context) (api.Stats, error) {
	return api.Stats{RunnersOnline: len(f.runners)}, nil
}

func newTestApp(t *testing.T) (*App, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{
		runs: []models.Run{
			{ID: "run-aaaa-1111", SessionID: "sess-one", Type: models.RunTypeStartSession, Status: models.RunStatusRunning, Prompt: "build it", RunnerID: "runner-1"},
			{ID: "run-bbbb-2222", SessionID: "sess-two", Type: models.RunTypeStartSession, Status: models.RunStatusPending, Prompt: "test it"},
		},
		runners: []models.RunnerView{{
			Runner: models.Runner{ID: "runner-1", Hostname: "box", ExecutorType: "shell", LastHeartbeat: time.Now()},
			Status: models.RunnerStatusOnline,
		}},
		sessions: []models.Session{
			{ID: "sess-one", Status: models.SessionStatusRunning, ExecutionMode: models.ExecutionModeSync},
			{ID: "sess-two", Status: models.SessionStatusPending, ExecutionMode: models.ExecutionModeSync, AgentName: "planner"},
		},
	}
	app := NewWithAPI(api, nil)
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	app.Update(app.refresh()())
	return app, api
}

func key(k tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: k} }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "/start fix the build", want: command{name: "start", spec: models.RunSpec{Type: models.RunTypeStartSession, Prompt: "fix the build"}}},
		{line: "start @planner plan it", want: command{name: "start", spec: models.RunSpec{Type: models.RunTypeStartSession, AgentName: "planner", Prompt: "plan it"}}},
		{line: "/resume sess-1 keep going", want: command{name: "resume", spec: models.RunSpec{Type: models.RunTypeResumeSession, SessionID: "sess-1", Prompt: "keep going"}}},
		{line: "@sess-1 keep going", want: command{name: "resume", spec: models.RunSpec{Type: models.RunTypeResumeSession, SessionID: "sess-1", Prompt: "keep going"}}},
		{line: "/stop", want: command{name: "stop"}},
		{line: "/stop run-9", want: command{name: "stop", runID: "run-9"}},
		{line: "/filter running", want: command{name: "filter", filter: models.RunStatusRunning}},
		{line: "/filter all", want: command{name: "filter"}},
		{line: "/quit", want: command{name: "quit"}},
		{line: "/start", wantErr: true},
		{line: "/start @planner", wantErr: true},
		{line: "/resume sess-1", wantErr: true},
		{line: "/filter bogus", wantErr: true},
		{line: "/dance", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApp_SnapshotAndNavigation(t *testing.T) {
	app, _ := newTestApp(t)

	assert.True(t, app.online)
	assert.Len(t, app.runs, 2)
	assert.Equal(t, "run-aaaa-1111", app.selectedRun().ID)

	app.Update(key(tea.KeyDown))
	assert.Equal(t, "run-bbbb-2222", app.selectedRun().ID)
	app.Update(key(tea.KeyDown))
	assert.Equal(t, "run-bbbb-2222", app.selectedRun().ID, "selection stops at the last row")

	app.Update(key(tea.KeyTab))
	assert.Equal(t, modeRunners, app.mode)
	assert.Contains(t, app.View(), "box")
	app.Update(key(tea.KeyTab))
	assert.Equal(t, modeSessions, app.mode)
	assert.Contains(t, app.View(), "planner")
	app.Update(key(tea.KeyTab))
	app.Update(key(tea.KeyTab))
	assert.Equal(t, modeRuns, app.mode)
}

func TestApp_StartCommandCreatesRun(t *testing.T) {
	app, api := newTestApp(t)

	app.input.SetValue("/start @planner ship it")
	_, cmd := app.Update(key(tea.KeyEnter))
	require.NotNil(t, cmd)

	msg := cmd()
	res, ok := msg.(commandResultMsg)
	require.True(t, ok, "got %T", msg)
	assert.Contains(t, res.message, "run-0001")

	require.Len(t, api.created, 1)
	assert.Equal(t, "planner", api.created[0].AgentName)
	assert.Equal(t, "ship it", api.created[0].Prompt)
	assert.Empty(t, app.input.Value())
}

func TestApp_StopSelectedRun(t *testing.T) {
	app, api := newTestApp(t)
	app.Update(key(tea.KeyDown))

	app.input.SetValue("/stop ")
	_, cmd := app.Update(key(tea.KeyEnter))
	require.NotNil(t, cmd)
	res := cmd().(commandResultMsg)

	assert.Equal(t, []string{"run-bbbb-2222"}, api.stopped)
	assert.Contains(t, res.message, "stopping")
}

func TestApp_FilterRefetches(t *testing.T) {
	app, api := newTestApp(t)

	app.input.SetValue("/filter failed")
	_, cmd := app.Update(key(tea.KeyEnter))
	require.NotNil(t, cmd)
	cmd()

	assert.Equal(t, models.RunStatusFailed, app.filter)
	assert.Equal(t, models.RunStatusFailed, api.filters[len(api.filters)-1])
	assert.Contains(t, app.View(), "Filter: [FAILED]")
}

func TestApp_UnknownCommandShowsError(t *testing.T) {
	app, _ := newTestApp(t)

	app.input.SetValue("/dance ")
	_, cmd := app.Update(key(tea.KeyEnter))
	assert.Nil(t, cmd)
	assert.Contains(t, app.message, "unknown command")
}

func TestApp_EnterOpensSessionDetail(t *testing.T) {
	app, _ := newTestApp(t)

	_, cmd := app.Update(key(tea.KeyEnter))
	require.NotNil(t, cmd)
	assert.Equal(t, modeDetail, app.mode)

	app.Update(cmd())
	require.NotNil(t, app.detail)
	assert.Equal(t, "sess-one", app.detail.ID)
	assert.Len(t, app.detailRuns, 1)
	assert.Contains(t, app.View(), "Session sess-one")

	app.Update(key(tea.KeyEsc))
	assert.Equal(t, modeRuns, app.mode)
	assert.Nil(t, app.detail)
}

func TestApp_SessionSuggestions(t *testing.T) {
	app, _ := newTestApp(t)

	app.input.SetValue("@sess-")
	app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("t")})

	require.True(t, app.suggestions.IsVisible())
	assert.Equal(t, "@sess-two", app.suggestions.Selected().Text)

	app.Update(key(tea.KeyTab))
	assert.Equal(t, "@sess-two ", app.input.Value())
}

func TestSuggestions_CommandFilter(t *testing.T) {
	s := NewSuggestions()
	s.Update("/st")
	require.True(t, s.IsVisible())

	var texts []string
	for _, item := range s.matches {
		texts = append(texts, item.Text)
	}
	assert.ElementsMatch(t, []string{"/start", "/stop"}, texts)

	s.Update("plain text")
	assert.False(t, s.IsVisible())
}

func TestWindowKeepsSelectionVisible(t *testing.T) {
	lines := []string{"header", "0", "1", "2", "3", "4", "5", "6", "7"}
	got := window(lines, 8, 4)
	assert.Equal(t, []string{"header", "5", "6", "7"}, got)

	got = window(lines, 1, 4)
	assert.Equal(t, []string{"header", "0", "1", "2"}, got)
}
