package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/relay/internal/client"
	"github.com/fentz26/relay/internal/models"
)

const usage = "try: /start [@agent] <prompt>, /resume <session> <prompt>, /stop [run], /filter <status>, /quit"

// command is a parsed command-bar line.
type command struct {
	name   string
	spec   models.RunSpec
	runID  string
	filter models.RunStatus
}

// parseCommand turns a command-bar line into a command. The leading "/" is
// optional, and "@<session> <prompt>" is shorthand for resume.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "@") {
		line = "resume " + strings.TrimPrefix(line, "@")
	}
	line = strings.TrimPrefix(line, "/")

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errors.New(usage)
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "start", "new":
		spec := models.RunSpec{Type: models.RunTypeStartSession}
		if len(args) > 0 && strings.HasPrefix(args[0], "@") {
			spec.AgentName = strings.TrimPrefix(args[0], "@")
			args = args[1:]
		}
		if len(args) == 0 {
			return command{}, errors.New("usage: /start [@agent] <prompt>")
		}
		spec.Prompt = strings.Join(args, " ")
		return command{name: "start", spec: spec}, nil

	case "resume":
		if len(args) < 2 {
			return command{}, errors.New("usage: /resume <session> <prompt>")
		}
		return command{name: "resume", spec: models.RunSpec{
			Type:      models.RunTypeResumeSession,
			SessionID: args[0],
			Prompt:    strings.Join(args[1:], " "),
		}}, nil

	case "stop":
		cmd := command{name: "stop"}
		if len(args) > 0 {
			cmd.runID = args[0]
		}
		return cmd, nil

	case "filter":
		if len(args) == 0 || args[0] == "all" {
			return command{name: "filter"}, nil
		}
		status := models.RunStatus(strings.ToLower(args[0]))
		for _, f := range filters {
			if f == status {
				return command{name: "filter", filter: status}, nil
			}
		}
		return command{}, fmt.Errorf("unknown status %q", args[0])

	case "q", "quit", "exit":
		return command{name: "quit"}, nil
	}
	return command{}, fmt.Errorf("unknown command %q (%s)", name, usage)
}

func (a *App) executeCommand(line string) tea.Cmd {
	cmd, err := parseCommand(line)
	if err != nil {
		a.message = "Error: " + err.Error()
		return nil
	}

	switch cmd.name {
	case "quit":
		return tea.Quit

	case "filter":
		a.filter = cmd.filter
		a.mode = modeRuns
		a.selected[modeRuns] = 0
		return a.refresh()

	case "stop":
		if cmd.runID == "" {
			run := a.selectedRun()
			if run == nil {
				a.message = "Error: no run selected"
				return nil
			}
			cmd.runID = run.ID
		}
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
			defer cancel()
			run, err := a.api.StopRun(ctx, cmd.runID)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Run %s is %s", shortID(run.ID), run.Status)}
		}
	}

	spec := cmd.spec
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
		defer cancel()
		resp, err := a.api.CreateRun(ctx, spec)
		if err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		return commandResultMsg{fmt.Sprintf("✓ Run %s queued for session %s", shortID(resp.RunID), shortID(resp.SessionID))}
	}
}
