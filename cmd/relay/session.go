package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, oldest first",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show a session and its runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Print a session's derived status",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

var sessionResultCmd = &cobra.Command{
	Use:   "result [session-id]",
	Short: "Print a session's latest result or error",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionResult,
}

var sessionJSON bool

func init() {
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionStatusCmd, sessionResultCmd)
	for _, c := range []*cobra.Command{sessionListCmd, sessionShowCmd, sessionStatusCmd, sessionResultCmd} {
		c.Flags().BoolVar(&sessionJSON, "json", false, "Print JSON")
	}
}

func runSessionList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	sessions, err := newClient().ListSessions(ctx)
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tAGENT\tCURRENT RUN\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.ExecutionMode, dash(s.AgentName), truncateID(s.CurrentRunID), s.CreatedAt.Format(time.DateTime))
	}
	return w.Flush()
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	c := newClient()
	ctx, cancel := requestContext(cmd)
	defer cancel()

	sess, err := c.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	runs, err := c.SessionRuns(ctx, args[0])
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(map[string]interface{}{"session": sess, "runs": runs})
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Status:   %s\n", sess.Status)
	fmt.Printf("Mode:     %s\n", sess.ExecutionMode)
	if sess.AgentName != "" {
		fmt.Printf("Agent:    %s\n", sess.AgentName)
	}
	if sess.ProjectDir != "" {
		fmt.Printf("Project:  %s\n", sess.ProjectDir)
	}
	if sess.ParentSessionID != "" {
		fmt.Printf("Parent:   %s\n", sess.ParentSessionID)
	}
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
	if sess.LastResumedAt != nil {
		fmt.Printf("Resumed:  %s\n", sess.LastResumedAt.Format(time.RFC3339))
	}

	fmt.Printf("\nRuns (%d):\n", len(runs))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tID\tTYPE\tSTATUS\tRUNNER")
	for i, r := range runs {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", strconv.Itoa(i+1), r.ID, r.Type, formatRunStatus(r.Status), dash(truncateID(r.RunnerID)))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if sess.Result != "" {
		fmt.Printf("\nResult:\n%s\n", sess.Result)
	}
	if sess.Error != "" {
		fmt.Printf("\nError:\n%s\n", sess.Error)
	}
	return nil
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	st, err := newClient().SessionStatus(ctx, args[0])
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(st)
	}
	fmt.Printf("%s (current run %s)\n", st.Status, dash(st.CurrentRunID))
	return nil
}

func runSessionResult(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	res, err := newClient().SessionResult(ctx, args[0])
	if err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(res)
	}
	if res.Error != "" {
		return fmt.Errorf("session %s: %s", res.SessionID, res.Error)
	}
	if res.Result == "" {
		fmt.Printf("No result yet (session is %s)\n", res.Status)
		return nil
	}
	fmt.Println(res.Result)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
