// Package connectors defines the executor boundary between a runner and the
// agent process that does the work of a run.
package connectors

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/relay/internal/models"
)

// Invocation is the payload handed to an agent process on standard input.
type Invocation struct {
	RunID           string         `json:"run_id"`
	SessionID       string         `json:"session_id"`
	Type            models.RunType `json:"type"`
	Prompt          string         `json:"prompt"`
	ProjectDir      string         `json:"project_dir,omitempty"`
	AgentName       string         `json:"agent_name,omitempty"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
}

// InvocationFor builds the invocation of a claimed run.
func InvocationFor(run models.Run) Invocation {
	return Invocation{
		RunID:           run.ID,
		SessionID:       run.SessionID,
		Type:            run.Type,
		Prompt:          run.Prompt,
		ProjectDir:      run.ProjectDir,
		AgentName:       run.AgentName,
		ParentSessionID: run.ParentSessionID,
	}
}

// ExecResult holds the outcome of one invocation.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	// Output is the result reported to the coordinator.
	Output string `json:"output"`
}

// Succeeded reports whether the process exited cleanly.
func (r *ExecResult) Succeeded() bool { return r.ExitCode == 0 }

// FailureMessage summarizes a failed result for the coordinator, preferring
// the tail of stderr.
func (r *ExecResult) FailureMessage() string {
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	if len(msg) > 2048 {
		msg = msg[len(msg)-2048:]
	}
	if msg == "" {
		return fmt.Sprintf("agent exited with code %d", r.ExitCode)
	}
	return fmt.Sprintf("agent exited with code %d: %s", r.ExitCode, msg)
}

// Connector executes invocations.
type Connector interface {
	// Name returns the connector identifier, used as the runner's executor type.
	Name() string

	// Execute runs one invocation. Cancelling ctx stops the process.
	Execute(ctx context.Context, inv Invocation) (*ExecResult, error)
}
