package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/relay/internal/agents"
	"github.com/fentz26/relay/internal/config"
	"github.com/fentz26/relay/internal/connectors/localexec"
	"github.com/fentz26/relay/internal/registry"
	"github.com/fentz26/relay/internal/runner"
)

var (
	agentCmd      string
	maxConcurrent int
	runnerTags    []string
	detectTags    bool
	projectDir    string
	runnerHost    string
	executorType  string
	logLevel      string
	logFormat     string
)

var runnerCmd = &cobra.Command{
	Use:   "runner [flags] [-- agent-command args...]",
	Short: "Run a runner that executes agent runs from the coordinator",
	Long: `Registers with the coordinator, long-polls for runs that match this
runner, and executes each one by piping a JSON invocation to the agent
command's standard input. The command's exit status decides the outcome and
its output becomes the run's result.`,
	RunE: runRunner,
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent CLIs detected on this machine",
	RunE:  runAgents,
}

func init() {
	hostname, _ := os.Hostname()
	workDir, _ := os.Getwd()

	f := runnerCmd.Flags()
	f.StringVar(&agentCmd, "agent-cmd", "", "Agent command to execute per run (split on whitespace)")
	f.IntVar(&maxConcurrent, "max-concurrent", 1, "Maximum runs executing at once")
	f.StringSliceVar(&runnerTags, "tags", nil, "Capability tags advertised to the coordinator")
	f.BoolVar(&detectTags, "detect-tags", false, "Add agent:<id> tags for agent CLIs found on this machine")
	f.StringVar(&projectDir, "project-dir", workDir, "Project directory this runner serves")
	f.StringVar(&runnerHost, "hostname", hostname, "Hostname advertised to the coordinator")
	f.StringVar(&executorType, "executor-type", "", "Executor type (defaults to the agent command's name)")
	f.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	f.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

func runRunner(cmd *cobra.Command, args []string) error {
	command := args
	if len(command) == 0 {
		command = strings.Fields(agentCmd)
	}
	if len(command) == 0 {
		return errors.New("an agent command is required: --agent-cmd or -- <command>")
	}

	logger, err := config.LogConfig{Level: logLevel, Format: logFormat}.NewLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolving project dir: %w", err)
	}

	connector, err := localexec.New(command, localexec.Options{Name: executorType, WorkDir: dir})
	if err != nil {
		return err
	}

	tags := append([]string(nil), runnerTags...)
	if detectTags {
		found := agents.NewDetector().Scan()
		tags = append(tags, agents.Tags(found)...)
		logger.Info("detected agent CLIs", "count", len(found), "tags", agents.Tags(found))
	}

	agent := runner.New(newClient(), connector, runner.Options{
		Registration: registry.Registration{
			Hostname:     runnerHost,
			ProjectDir:   dir,
			ExecutorType: connector.Name(),
			Tags:         tags,
		},
		MaxConcurrent: maxConcurrent,
		Logger:        logger.With("component", "runner"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("runner starting", "api", apiAddr, "command", command, "max_concurrent", maxConcurrent)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("runner stopped")
	return nil
}

func runAgents(cmd *cobra.Command, args []string) error {
	found := agents.NewDetector().Scan()
	if len(found) == 0 {
		fmt.Println("No agent CLIs detected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTAG\tVERSION\tPATH")
	for _, a := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Tag, a.Version, a.Path)
	}
	return w.Flush()
}
