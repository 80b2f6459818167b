// Package tui provides the interactive terminal dashboard for relay.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/relay/internal/agents"
	"github.com/fentz26/relay/internal/api"
	"github.com/fentz26/relay/internal/client"
	"github.com/fentz26/relay/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// View modes.
const (
	modeRuns     = "runs"
	modeRunners  = "runners"
	modeSessions = "sessions"
	modeAgents   = "agents"
	modeDetail   = "detail"
)

// tab cycles through these.
var modeOrder = []string{modeRuns, modeRunners, modeSessions, modeAgents}

var filters = []models.RunStatus{"",
	models.RunStatusPending, models.RunStatusClaimed, models.RunStatusRunning,
	models.RunStatusStopping, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusStopped,
}

// refreshInterval paces the dashboard's background reload.
const refreshInterval = 2 * time.Second

// API is the coordinator surface the dashboard reads and drives.
// *client.Client satisfies it.
type API interface {
	CreateRun(ctx context.Context, spec models.RunSpec) (api.CreateRunResponse, error)
	ListRuns(ctx context.Context, status models.RunStatus, sessionID string) ([]models.Run, error)
	StopRun(ctx context.Context, id string) (models.Run, error)
	ListRunners(ctx context.Context) ([]models.RunnerView, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	GetSession(ctx context.Context, id string) (models.Session, error)
	SessionRuns(ctx context.Context, id string) ([]models.Run, error)
	Stats(ctx context.Context) (api.Stats, error)
}

// App is the main TUI application model.
type App struct {
	api      API
	detector *agents.Detector

	input       textinput.Model
	suggestions *Suggestions
	width       int
	height      int

	mode     string
	prevMode string
	selected map[string]int
	filter   models.RunStatus

	runs     []models.Run
	runners  []models.RunnerView
	sessions []models.Session
	agents   []agents.Agent
	stats    *api.Stats
	online   bool

	detail     *models.Session
	detailRuns []models.Run

	message string
}

// New creates a dashboard for the coordinator at apiAddr.
func New(apiAddr string) *App {
	return NewWithAPI(client.New(apiAddr), agents.NewDetector())
}

// NewWithAPI creates a dashboard over an arbitrary API implementation.
// A nil detector disables the agents view's scan.
func NewWithAPI(api API, detector *agents.Detector) *App {
	ti := textinput.New()
	ti.Placeholder = "Type /start <prompt> | /resume <session> <prompt> | /stop | /filter <status>"
	ti.Focus()
	ti.CharLimit = 1024
	ti.Width = 80

	return &App{
		api:         api,
		detector:    detector,
		input:       ti,
		suggestions: NewSuggestions(),
		mode:        modeRuns,
		selected:    make(map[string]int),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.refresh(),
		a.scanAgents(),
		tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.suggestions.IsVisible() {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, nil
			}
			if a.mode == modeDetail {
				a.mode = a.prevMode
				a.detail = nil
				a.detailRuns = nil
				return a, nil
			}

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else {
				a.move(-1)
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else {
				a.move(1)
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			a.cycleMode()
			return a, nil

		case "ctrl+r":
			return a, a.refresh()

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.executeCommand(line)
			}
			if id := a.selectedSessionID(); id != "" {
				a.prevMode = a.mode
				a.mode = modeDetail
				return a, a.fetchSession(id)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6

	case snapshotMsg:
		a.online = true
		a.runs = msg.runs
		a.runners = msg.runners
		a.sessions = msg.sessions
		a.stats = &msg.stats
		a.suggestions.SetSessions(msg.sessions)
		a.clampSelection()

	case sessionLoadedMsg:
		a.detail = &msg.session
		a.detailRuns = msg.runs

	case agentsScanMsg:
		a.agents = msg.agents

	case tickMsg:
		cmds = append(cmds, a.refresh(), tickCmd())
		if a.mode == modeDetail && a.detail != nil {
			cmds = append(cmds, a.fetchSession(a.detail.ID))
		}

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case offlineMsg:
		a.online = false
		a.message = "Error: " + msg.err.Error()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

func (a *App) acceptSuggestion() {
	if selected := a.suggestions.Selected(); selected != nil {
		a.input.SetValue(selected.Text + " ")
		a.input.CursorEnd()
		a.suggestions.Update("")
	}
}

func (a *App) cycleMode() {
	if a.mode == modeDetail {
		a.mode = a.prevMode
	}
	for i, m := range modeOrder {
		if m == a.mode {
			a.mode = modeOrder[(i+1)%len(modeOrder)]
			return
		}
	}
	a.mode = modeRuns
}

func (a *App) rows() int {
	switch a.mode {
	case modeRuns:
		return len(a.runs)
	case modeRunners:
		return len(a.runners)
	case modeSessions:
		return len(a.sessions)
	case modeAgents:
		return len(a.agents)
	case modeDetail:
		return len(a.detailRuns)
	}
	return 0
}

func (a *App) move(delta int) {
	idx := a.selected[a.mode] + delta
	if idx < 0 || idx >= a.rows() {
		return
	}
	a.selected[a.mode] = idx
}

func (a *App) clampSelection() {
	for _, m := range modeOrder {
		saved := a.mode
		a.mode = m
		if n := a.rows(); a.selected[m] >= n {
			a.selected[m] = max(0, n-1)
		}
		a.mode = saved
	}
}

func (a *App) selectedRun() *models.Run {
	idx := a.selected[a.mode]
	switch a.mode {
	case modeRuns:
		if idx < len(a.runs) {
			return &a.runs[idx]
		}
	case modeDetail:
		if idx < len(a.detailRuns) {
			return &a.detailRuns[idx]
		}
	}
	return nil
}

func (a *App) selectedSessionID() string {
	idx := a.selected[a.mode]
	switch a.mode {
	case modeRuns:
		if idx < len(a.runs) {
			return a.runs[idx].SessionID
		}
	case modeSessions:
		if idx < len(a.sessions) {
			return a.sessions[idx].ID
		}
	}
	return ""
}

func (a *App) refresh() tea.Cmd {
	filter := a.filter
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()

		var snap snapshotMsg
		var err error
		if snap.runs, err = a.api.ListRuns(ctx, filter, ""); err != nil {
			return offlineMsg{err}
		}
		if snap.runners, err = a.api.ListRunners(ctx); err != nil {
			return offlineMsg{err}
		}
		if snap.sessions, err = a.api.ListSessions(ctx); err != nil {
			return offlineMsg{err}
		}
		if snap.stats, err = a.api.Stats(ctx); err != nil {
			return offlineMsg{err}
		}
		return snap
	}
}

func (a *App) fetchSession(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()

		sess, err := a.api.GetSession(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		runs, err := a.api.SessionRuns(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		return sessionLoadedMsg{session: sess, runs: runs}
	}
}

func (a *App) scanAgents() tea.Cmd {
	if a.detector == nil {
		return nil
	}
	d := a.detector
	return func() tea.Msg {
		return agentsScanMsg{d.Scan()}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type offlineMsg struct {
	err error
}

type snapshotMsg struct {
	runs     []models.Run
	runners  []models.RunnerView
	sessions []models.Session
	stats    api.Stats
}

type sessionLoadedMsg struct {
	session models.Session
	runs    []models.Run
}

type agentsScanMsg struct {
	agents []agents.Agent
}

type tickMsg time.Time
