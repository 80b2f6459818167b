//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc detaches a background daemon from the terminal's
// session so it survives the TUI exiting.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
