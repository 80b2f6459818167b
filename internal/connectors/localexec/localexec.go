// Package localexec runs an agent command on the local host, delivering the
// invocation as JSON on its standard input.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/relay/internal/connectors"
)

// DefaultGracePeriod is how long a cancelled process has to exit after the
// interrupt before it is killed.
const DefaultGracePeriod = 10 * time.Second

// MaxOutput caps the result reported for one run. Longer output keeps its tail.
const MaxOutput = 64 << 10

// captureLimit bounds how much of each output stream is held in memory.
const captureLimit = 4 * MaxOutput

// Options configures a LocalExec.
type Options struct {
	// Name overrides the connector name. Defaults to the command's base name.
	Name string
	// WorkDir is used when an invocation has no usable project directory.
	WorkDir     string
	Env         []string
	GracePeriod time.Duration
}

// LocalExec implements the Connector interface for local processes.
type LocalExec struct {
	path string
	args []string
	opts Options
}

// New resolves command[0] on PATH and returns a connector that runs it.
func New(command []string, opts Options) (*LocalExec, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	path, err := exec.LookPath(command[0])
	if err != nil {
		return nil, fmt.Errorf("agent command %q: %w", command[0], err)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Name == "" {
		opts.Name = filepath.Base(command[0])
	}
	return &LocalExec{path: path, args: command[1:], opts: opts}, nil
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return l.opts.Name
}

// Execute runs the agent command for one invocation.
func (l *LocalExec) Execute(ctx context.Context, inv connectors.Invocation) (*connectors.ExecResult, error) {
	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.path, l.args...)
	cmd.Dir = l.workDir(inv)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), l.opts.Env...)
	cmd.Env = append(cmd.Env,
		"RELAY_RUN_ID="+inv.RunID,
		"RELAY_SESSION_ID="+inv.SessionID,
		"RELAY_RUN_TYPE="+string(inv.Type),
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.opts.GracePeriod

	stdout := &tailBuffer{limit: captureLimit}
	stderr := &tailBuffer{limit: captureLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()

	result := &connectors.ExecResult{
		Command: l.path,
		Args:    l.args,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Output:  extractOutput(stdout.String()),
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("run cancelled: %w", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("exec error: %w", err)
	}
	return result, nil
}

func (l *LocalExec) workDir(inv connectors.Invocation) string {
	if inv.ProjectDir != "" {
		if st, err := os.Stat(inv.ProjectDir); err == nil && st.IsDir() {
			return inv.ProjectDir
		}
	}
	return l.opts.WorkDir
}

// extractOutput picks the run result out of stdout. A final line of the form
// {"result": "..."} wins; otherwise the whole trimmed output is used.
func extractOutput(stdout string) string {
	out := strings.TrimSpace(stdout)
	last := strings.TrimSpace(out[strings.LastIndexByte(out, '\n')+1:])
	var tagged struct {
		Result *string `json:"result"`
	}
	if strings.HasPrefix(last, "{") && json.Unmarshal([]byte(last), &tagged) == nil && tagged.Result != nil {
		return capOutput(*tagged.Result)
	}
	return capOutput(out)
}

func capOutput(s string) string {
	if len(s) > MaxOutput {
		return s[len(s)-MaxOutput:]
	}
	return s
}

// tailBuffer is an io.Writer that keeps only the last limit bytes written.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	b.buf = append(b.buf, p...)
	// Compact lazily so steady writes stay amortized O(1).
	if len(b.buf) > 2*b.limit {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.limit:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	if len(b.buf) > b.limit {
		return string(b.buf[len(b.buf)-b.limit:])
	}
	return string(b.buf)
}
