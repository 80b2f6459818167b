package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/relay/internal/models"
)

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	coordinator := onlineStyle.Render("● COORDINATOR")
	if !a.online {
		coordinator = offlineStyle.Render("○ COORDINATOR")
	}
	header := titleStyle.Render("relay") + "  " + coordinator
	if a.stats != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(
			fmt.Sprintf("[%d runners online, %d stale]", a.stats.RunnersOnline, a.stats.RunnersStale))
		header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render(
			fmt.Sprintf("[%d waiting polls]", a.stats.WaitingPolls))
	}
	b.WriteString(header + "\n")
	b.WriteString(a.renderTabs() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	contentHeight := a.height - 9
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeRuns:
		label := "ALL"
		if a.filter != "" {
			label = strings.ToUpper(string(a.filter))
		}
		b.WriteString(helpStyle.Render(fmt.Sprintf(" Filter: [%s]", label)) + "\n")
		b.WriteString(a.renderRuns(a.runs, contentHeight-1))
	case modeRunners:
		b.WriteString(a.renderRunners(contentHeight))
	case modeSessions:
		b.WriteString(a.renderSessions(contentHeight))
	case modeAgents:
		b.WriteString(a.renderAgents())
	case modeDetail:
		b.WriteString(a.renderDetail(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(max(a.width, 40)))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeRuns:
		status = fmt.Sprintf(" Runs: %d | ↑↓:nav | Enter:session | Tab:view | /stop | Ctrl+R:refresh | Ctrl+C:quit", len(a.runs))
	case modeRunners:
		status = fmt.Sprintf(" Runners: %d | ↑↓:nav | Tab:view | Ctrl+C:quit", len(a.runners))
	case modeSessions:
		status = fmt.Sprintf(" Sessions: %d | ↑↓:nav | Enter:runs | @<session> <prompt>:resume | Tab:view", len(a.sessions))
	case modeAgents:
		status = fmt.Sprintf(" Local agents: %d | Tab:view | Ctrl+C:quit", len(a.agents))
	default:
		status = " Esc:back | ↑↓:nav | /stop | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(status))

	return b.String()
}

func (a *App) renderTabs() string {
	var tabs []string
	for _, m := range modeOrder {
		label := " " + strings.ToUpper(m[:1]) + m[1:] + " "
		if m == a.mode || (a.mode == modeDetail && m == a.prevMode) {
			tabs = append(tabs, lipgloss.NewStyle().Background(secondaryColor).Foreground(fgColor).Bold(true).Render(label))
		} else {
			tabs = append(tabs, lipgloss.NewStyle().Foreground(mutedColor).Render(label))
		}
	}
	return " " + strings.Join(tabs, " ")
}

func (a *App) renderRuns(runs []models.Run, height int) string {
	if len(runs) == 0 {
		return "\n  No runs. Type: /start <prompt> to create one.\n"
	}

	lines := []string{headerStyle.Render(fmt.Sprintf("  %-10s  %-9s  %-10s  %-10s  %s", "RUN", "STATUS", "SESSION", "RUNNER", "PROMPT"))}
	idx := a.selected[a.mode]
	for i, run := range runs {
		prompt := truncate(strings.ReplaceAll(run.Prompt, "\n", " "), 40)
		if run.Type == models.RunTypeResumeSession {
			prompt = "↻ " + prompt
		}
		runner := "-"
		if run.RunnerID != "" {
			runner = shortID(run.RunnerID)
		}
		if i == idx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %-10s  %-9s  %-10s  %-10s  %s",
				shortID(run.ID), run.Status, shortID(run.SessionID), runner, prompt)))
			continue
		}
		lines = append(lines, rowStyle.Render(fmt.Sprintf("%-10s  %s  %-10s  %-10s  %s",
			shortID(run.ID), formatStatus(run.Status), shortID(run.SessionID), runner, prompt)))
	}
	return strings.Join(window(lines, idx+1, height), "\n")
}

func (a *App) renderRunners(height int) string {
	if len(a.runners) == 0 {
		return "\n  No runners registered. Start one with: relay runner --agent-cmd <cmd>\n"
	}

	lines := []string{headerStyle.Render(fmt.Sprintf("  %-10s  %-7s  %-16s  %-12s  %-10s  %s", "RUNNER", "STATUS", "HOST", "EXECUTOR", "HEARTBEAT", "PROJECT"))}
	idx := a.selected[modeRunners]
	for i, r := range a.runners {
		icon := onlineStyle.Render("●")
		if r.Status != models.RunnerStatusOnline {
			icon = offlineStyle.Render("○")
		}
		hb := formatAge(time.Since(r.LastHeartbeat))
		text := fmt.Sprintf("%-10s  %-7s  %-16s  %-12s  %-10s  %s",
			shortID(r.ID), r.Status, truncate(r.Hostname, 16), truncate(r.ExecutorType, 12), hb, r.ProjectDir)
		if i == idx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
			if len(r.Tags) > 0 {
				lines = append(lines, helpStyle.Render("      tags: "+strings.Join(r.Tags, ", ")))
			}
			continue
		}
		lines = append(lines, rowStyle.Render(icon+" "+text))
	}
	return strings.Join(window(lines, idx+1, height), "\n")
}

func (a *App) renderSessions(height int) string {
	if len(a.sessions) == 0 {
		return "\n  No sessions yet.\n"
	}

	lines := []string{headerStyle.Render(fmt.Sprintf("  %-10s  %-9s  %-14s  %-10s  %s", "SESSION", "STATUS", "MODE", "AGENT", "LATEST"))}
	idx := a.selected[modeSessions]
	for i, s := range a.sessions {
		latest := s.Result
		if s.Error != "" {
			latest = "error: " + s.Error
		}
		agent := s.AgentName
		if agent == "" {
			agent = "-"
		}
		text := fmt.Sprintf("%-10s  %-9s  %-14s  %-10s  %s",
			shortID(s.ID), s.Status, s.ExecutionMode, truncate(agent, 10), truncate(strings.ReplaceAll(latest, "\n", " "), 40))
		if i == idx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
			continue
		}
		lines = append(lines, rowStyle.Render(text))
	}
	return strings.Join(window(lines, idx+1, height), "\n")
}

func (a *App) renderAgents() string {
	var b strings.Builder

	b.WriteString("\n  Agent CLIs on this machine\n")
	b.WriteString("  " + strings.Repeat("─", 40) + "\n\n")

	if len(a.agents) == 0 {
		b.WriteString("  No agent CLIs detected.\n")
		return b.String()
	}

	idx := a.selected[modeAgents]
	for i, ag := range a.agents {
		tag := lipgloss.NewStyle().Foreground(mutedColor).Render("(" + ag.Tag + ")")
		if i == idx {
			b.WriteString(selectedStyle.Render(fmt.Sprintf("▶ %s %s", ag.Name, ag.Tag)) + "\n")
			if ag.Path != "" {
				b.WriteString(helpStyle.Render("      Path: "+ag.Path) + "\n")
			}
			if ag.Version != "" {
				b.WriteString(helpStyle.Render("      Version: "+ag.Version) + "\n")
			}
			continue
		}
		b.WriteString(fmt.Sprintf("    %s %s\n", ag.Name, tag))
	}

	b.WriteString("\n  " + helpStyle.Render("Runners started with --detect-tags advertise these tags.") + "\n")
	return b.String()
}

func (a *App) renderDetail(height int) string {
	if a.detail == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	s := a.detail

	b.WriteString(fmt.Sprintf("\n  Session %s\n", lipgloss.NewStyle().Bold(true).Render(s.ID)))
	b.WriteString(fmt.Sprintf("  Status: %s  Mode: %s\n", s.Status, s.ExecutionMode))
	if s.AgentName != "" {
		b.WriteString(fmt.Sprintf("  Agent: %s\n", s.AgentName))
	}
	if s.ParentSessionID != "" {
		b.WriteString(fmt.Sprintf("  Parent: %s\n", s.ParentSessionID))
	}
	if s.Result != "" {
		b.WriteString("  Result: " + lipgloss.NewStyle().Foreground(successColor).Render(truncate(s.Result, 200)) + "\n")
	}
	if s.Error != "" {
		b.WriteString("  Error: " + lipgloss.NewStyle().Foreground(errorColor).Render(truncate(s.Error, 200)) + "\n")
	}
	b.WriteString("\n")
	b.WriteString(a.renderRuns(a.detailRuns, max(height-7, 3)))
	return b.String()
}

func formatStatus(status models.RunStatus) string {
	label := fmt.Sprintf("%-9s", status)
	switch status {
	case models.RunStatusPending:
		return lipgloss.NewStyle().Foreground(mutedColor).Render(label)
	case models.RunStatusClaimed:
		return lipgloss.NewStyle().Foreground(cyanColor).Render(label)
	case models.RunStatusRunning:
		return lipgloss.NewStyle().Foreground(secondaryColor).Bold(true).Render(label)
	case models.RunStatusStopping:
		return lipgloss.NewStyle().Foreground(warningColor).Render(label)
	case models.RunStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render(label)
	case models.RunStatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render(label)
	case models.RunStatusStopped:
		return lipgloss.NewStyle().Foreground(warningColor).Faint(true).Render(label)
	default:
		return label
	}
}

// window keeps the header line and at most height-1 rows around the
// selected one.
func window(lines []string, selected, height int) []string {
	if len(lines) <= height || height < 2 {
		return lines
	}
	body := lines[1:]
	rows := height - 1
	start := selected - 1 - rows/2
	if start < 0 {
		start = 0
	}
	end := start + rows
	if end > len(body) {
		end = len(body)
		start = max(0, end-rows)
	}
	return append([]string{lines[0]}, body[start:end]...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds ago", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
