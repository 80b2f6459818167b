package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relay/internal/client"
	"github.com/fentz26/relay/internal/config"
	"github.com/fentz26/relay/internal/controlplane"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "relay - run coordinator for AI coding agents",
	Long: `relay queues agent runs, matches them to runners by demand, and tracks
sessions across start and resume. Runners long-poll the coordinator for work.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("relay", controlplane.Version)
	},
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "Coordinator API address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the coordinator config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(runnersCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	return client.New(apiAddr)
}

// requestContext bounds a one-shot CLI request.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), client.DefaultTimeout+5*time.Second)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
