package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "List registered runners",
	RunE:  runRunners,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show coordinator decision records",
	RunE:  runAudit,
}

var (
	runnersJSON bool
	auditRunID  string
	auditLimit  int
)

func init() {
	runnersCmd.Flags().BoolVar(&runnersJSON, "json", false, "Print JSON")
	auditCmd.Flags().StringVar(&auditRunID, "run", "", "Only records for this run")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum records to show")
}

func runRunners(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	runners, err := newClient().ListRunners(ctx)
	if err != nil {
		return err
	}
	if runnersJSON {
		return printJSON(runners)
	}
	if len(runners) == 0 {
		fmt.Println("No runners registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tHOSTNAME\tEXECUTOR\tPROJECT\tTAGS\tLAST HEARTBEAT")
	for _, r := range runners {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s ago\n",
			truncateID(r.ID), r.Status, r.Hostname, r.ExecutorType, r.ProjectDir,
			dash(strings.Join(r.Tags, ",")), time.Since(r.LastHeartbeat).Round(time.Second))
	}
	return w.Flush()
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()
	entries, err := newClient().Audit(ctx, auditRunID, auditLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit records (is audit_db set?)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tRUN\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.DateTime), e.Action, e.Outcome, dash(truncateID(e.RunID)), e.Details)
	}
	return w.Flush()
}
