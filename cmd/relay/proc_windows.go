//go:build windows

package main

import "os/exec"

// configureDaemonProc is a no-op on Windows; started processes already
// outlive the parent.
func configureDaemonProc(cmd *exec.Cmd) {}
