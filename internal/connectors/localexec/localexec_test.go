package localexec

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/relay/internal/connectors"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Error("Expected error for empty command")
	}
	if _, err := New([]string{"definitely-not-a-relay-agent"}, Options{}); err == nil {
		t.Error("Expected error for missing executable")
	}

	skipOnWindows(t)
	exec, err := New([]string{"sh", "-c", "true"}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if exec.Name() != "sh" {
		t.Errorf("Expected name 'sh', got %s", exec.Name())
	}

	named, _ := New([]string{"sh"}, Options{Name: "claude-code"})
	if named.Name() != "claude-code" {
		t.Errorf("Expected name override, got %s", named.Name())
	}
}

func TestExecute_DeliversInvocationOnStdin(t *testing.T) {
	skipOnWindows(t)

	exec, err := New([]string{"sh", "-c", "cat; echo; echo \"env=$RELAY_RUN_ID\""}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	inv := connectors.Invocation{RunID: "run-1", SessionID: "sess-1", Prompt: "hello", ProjectDir: t.TempDir()}
	res, err := exec.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("Expected success, got exit %d: %s", res.ExitCode, res.Stderr)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	var got connectors.Invocation
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("stdin was not the JSON invocation: %v", err)
	}
	if got != inv {
		t.Errorf("Invocation = %+v, want %+v", got, inv)
	}
	if lines[len(lines)-1] != "env=run-1" {
		t.Errorf("Expected RELAY_RUN_ID in env, got %q", lines[len(lines)-1])
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	skipOnWindows(t)

	exec, _ := New([]string{"sh", "-c", "echo broken >&2; exit 3"}, Options{})
	res, err := exec.Execute(context.Background(), connectors.Invocation{RunID: "r"})
	if err != nil {
		t.Fatalf("Execute returned error for exit code: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
	if msg := res.FailureMessage(); msg != "agent exited with code 3: broken" {
		t.Errorf("FailureMessage = %q", msg)
	}
}

func TestExecute_Cancel(t *testing.T) {
	skipOnWindows(t)

	exec, _ := New([]string{"sh", "-c", "sleep 30"}, Options{GracePeriod: 100 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := exec.Execute(ctx, connectors.Invocation{RunID: "r"})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancelled process took %s to exit", time.Since(start))
	}
}

func TestExtractOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{"plain", "  all done \n", "all done"},
		{"tagged last line", "progress...\n{\"result\": \"summary\"}\n", "summary"},
		{"json without result", "{\"status\": 1}", "{\"status\": 1}"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractOutput(tt.stdout); got != tt.want {
				t.Errorf("extractOutput(%q) = %q, want %q", tt.stdout, got, tt.want)
			}
		})
	}

	long := strings.Repeat("x", MaxOutput+10)
	if got := extractOutput(long); len(got) != MaxOutput {
		t.Errorf("Expected output capped at %d, got %d", MaxOutput, len(got))
	}

	raw, _ := json.Marshal(map[string]string{"result": strings.Repeat("y", MaxOutput) + "end"})
	got := extractOutput("noise\n" + string(raw))
	if len(got) != MaxOutput || !strings.HasSuffix(got, "end") {
		t.Errorf("Expected tagged result capped to its tail, got %d bytes", len(got))
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	b.Write([]byte("abc"))
	if b.String() != "abc" {
		t.Errorf("Expected abc, got %q", b.String())
	}

	for i := 0; i < 100; i++ {
		b.Write([]byte("0123456789"))
	}
	if got := b.String(); got != "23456789" {
		t.Errorf("Expected last 8 bytes, got %q", got)
	}
	if cap(b.buf) > 64 {
		t.Errorf("Expected bounded buffer, cap is %d", cap(b.buf))
	}

	b.Write([]byte("a very long single write"))
	if got := b.String(); got != "le write" {
		t.Errorf("Expected tail of long write, got %q", got)
	}
}

func TestExecute_BoundsCapturedOutput(t *testing.T) {
	skipOnWindows(t)

	// Roughly 1 MiB of noise followed by the real answer.
	script := `i=0; while [ $i -lt 16384 ]; do echo "0123456789012345678901234567890123456789012345678901234567890123"; i=$((i+1)); done; echo '{"result": "ok"}'`
	exec, err := New([]string{"sh", "-c", script}, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res, err := exec.Execute(context.Background(), connectors.Invocation{RunID: "run-1", ProjectDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(res.Stdout) > captureLimit {
		t.Errorf("Expected stdout bounded to %d, got %d", captureLimit, len(res.Stdout))
	}
	if res.Output != "ok" {
		t.Errorf("Expected tagged result, got %q", res.Output)
	}
}
