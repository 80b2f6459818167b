package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relay/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create, inspect and stop runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create [prompt]",
	Short: "Queue a start_session or resume_session run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRunCreate,
}

var runShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runStopCmd = &cobra.Command{
	Use:   "stop [run-id]",
	Short: "Request that a run stop",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunStop,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunList,
}

var (
	runSessionID     string
	runResume        bool
	runAgentName     string
	runProjectDir    string
	runParentSession string
	runMode          string
	runDemandHost    string
	runDemandDir     string
	runDemandExec    string
	runDemandTags    []string
	runStatusFilter  string
	runWait          bool
	runWaitTimeout   time.Duration
	runJSON          bool
)

func init() {
	runCmd.AddCommand(runCreateCmd, runShowCmd, runStopCmd, runListCmd)

	f := runCreateCmd.Flags()
	f.StringVar(&runSessionID, "session", "", "Session ID (generated for new sessions when empty)")
	f.BoolVar(&runResume, "resume", false, "Resume --session instead of starting a new one")
	f.StringVar(&runAgentName, "agent", "", "Agent name; a matching blueprint adds its demands")
	f.StringVar(&runProjectDir, "project-dir", "", "Project directory passed to the agent")
	f.StringVar(&runParentSession, "parent", "", "Parent session ID")
	f.StringVar(&runMode, "mode", "", "Execution mode: sync, async_poll or async_callback")
	f.StringVar(&runDemandHost, "demand-hostname", "", "Only runners on this hostname")
	f.StringVar(&runDemandDir, "demand-project-dir", "", "Only runners serving this project directory")
	f.StringVar(&runDemandExec, "demand-executor", "", "Only runners with this executor type")
	f.StringSliceVar(&runDemandTags, "demand-tags", nil, "Only runners carrying all of these tags")
	f.BoolVar(&runWait, "wait", false, "Wait for the run to finish and print its result")
	f.DurationVar(&runWaitTimeout, "wait-timeout", 30*time.Minute, "Give up waiting after this long")

	runListCmd.Flags().StringVar(&runStatusFilter, "status", "", "Filter by status (pending, claimed, running, stopping, completed, failed, stopped)")
	runListCmd.Flags().StringVar(&runSessionID, "session", "", "Filter by session ID")

	for _, c := range []*cobra.Command{runShowCmd, runListCmd} {
		c.Flags().BoolVar(&runJSON, "json", false, "Print JSON")
	}
}

func runRunCreate(cmd *cobra.Command, args []string) error {
	spec := models.RunSpec{
		Type:            models.RunTypeStartSession,
		SessionID:       runSessionID,
		AgentName:       runAgentName,
		ProjectDir:      runProjectDir,
		ParentSessionID: runParentSession,
		ExecutionMode:   models.ExecutionMode(runMode),
		Demands: models.Demand{
			Hostname:     runDemandHost,
			ProjectDir:   runDemandDir,
			ExecutorType: runDemandExec,
			Tags:         runDemandTags,
		},
	}
	if len(args) == 1 {
		spec.Prompt = args[0]
	}
	if runResume {
		if runSessionID == "" {
			return fmt.Errorf("--resume requires --session")
		}
		spec.Type = models.RunTypeResumeSession
	}

	c := newClient()
	ctx, cancel := requestContext(cmd)
	created, err := c.CreateRun(ctx, spec)
	cancel()
	if err != nil {
		return err
	}

	fmt.Printf("Created run: %s\n", created.RunID)
	fmt.Printf("Session:     %s\n", created.SessionID)
	if !runWait {
		return nil
	}

	run, err := waitForRun(cmd, created.RunID)
	if err != nil {
		return err
	}
	fmt.Printf("Status:      %s\n", formatRunStatus(run.Status))
	if run.Error != "" {
		return fmt.Errorf("run %s: %s", run.Status, run.Error)
	}
	if run.Result != "" {
		fmt.Println()
		fmt.Println(run.Result)
	}
	return nil
}

// waitForRun polls until the run reaches a terminal status.
func waitForRun(cmd *cobra.Command, runID string) (models.Run, error) {
	c := newClient()
	deadline := time.Now().Add(runWaitTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		ctx, cancel := requestContext(cmd)
		run, err := c.GetRun(ctx, runID)
		cancel()
		if err != nil {
			return run, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if time.Now().After(deadline) {
			return run, fmt.Errorf("run %s still %s after %s", runID, run.Status, runWaitTimeout)
		}
		select {
		case <-cmd.Context().Done():
			return run, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func runRunShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	run, err := newClient().GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	if runJSON {
		return printJSON(run)
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Type:       %s\n", run.Type)
	fmt.Printf("Status:     %s\n", formatRunStatus(run.Status))
	fmt.Printf("Session:    %s\n", run.SessionID)
	fmt.Printf("Mode:       %s\n", run.ExecutionMode)
	if run.AgentName != "" {
		fmt.Printf("Agent:      %s\n", run.AgentName)
	}
	if run.ParentSessionID != "" {
		fmt.Printf("Parent:     %s\n", run.ParentSessionID)
	}
	if run.RunnerID != "" {
		fmt.Printf("Runner:     %s\n", run.RunnerID)
	}
	if d := formatDemand(run.Demands); d != "" {
		fmt.Printf("Demands:    %s\n", d)
	}
	fmt.Printf("Created:    %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil {
		fmt.Printf("Started:    %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.Prompt != "" {
		fmt.Printf("\nPrompt:\n%s\n", run.Prompt)
	}
	if run.Result != "" {
		fmt.Printf("\nResult:\n%s\n", run.Result)
	}
	if run.Error != "" {
		fmt.Printf("\nError:\n%s\n", run.Error)
	}
	return nil
}

func runRunStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	run, err := newClient().StopRun(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Run %s is %s\n", run.ID, run.Status)
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	runs, err := newClient().ListRuns(ctx, models.RunStatus(runStatusFilter), runSessionID)
	if err != nil {
		return err
	}
	if runJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSESSION\tRUNNER\tCREATED")
	for _, r := range runs {
		runner := "-"
		if r.RunnerID != "" {
			runner = truncateID(r.RunnerID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), r.Type, r.Status, truncateID(r.SessionID), runner, r.CreatedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func formatRunStatus(s models.RunStatus) string {
	switch s {
	case models.RunStatusCompleted:
		return "✓ completed"
	case models.RunStatusFailed:
		return "✗ failed"
	case models.RunStatusStopped:
		return "■ stopped"
	default:
		return string(s)
	}
}

func formatDemand(d models.Demand) string {
	var parts []string
	if d.Hostname != "" {
		parts = append(parts, "hostname="+d.Hostname)
	}
	if d.ProjectDir != "" {
		parts = append(parts, "project_dir="+d.ProjectDir)
	}
	if d.ExecutorType != "" {
		parts = append(parts, "executor_type="+d.ExecutorType)
	}
	if len(d.Tags) > 0 {
		parts = append(parts, "tags="+strings.Join(d.Tags, ","))
	}
	return strings.Join(parts, " ")
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
