package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/relay/internal/client"
	"github.com/fentz26/relay/internal/tui"
)

var noAutostart bool

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive dashboard",
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "Do not start a local coordinator when none is reachable")
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(cmd.Context()) && !noAutostart {
		fmt.Println("⚡ Coordinator not running. Starting it in the background...")
		if err := startDaemon(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}
	}

	if err := tui.New(apiAddr).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err := newClient().Health(ctx)
	return err == nil || client.IsStatus(err, http.StatusServiceUnavailable)
}

func startDaemon(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "daemon", "--config", configPath)
	configureDaemonProc(cmd)
	// Detached: no inherited stdio, so daemon logs never draw over the TUI.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	fmt.Print("   Waiting for coordinator...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(ctx) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("coordinator started but API not reachable at %s", apiAddr)
}
