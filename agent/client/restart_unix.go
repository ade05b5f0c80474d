//go:build !windows

package client

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// reexec replaces the current process image with a fresh copy of the same
// binary, preserving arguments and environment.
func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate binary: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

func rebootHost() error {
	if err := exec.Command("reboot").Run(); err != nil {
		// Older images route through shutdown
		return exec.Command("shutdown", "-r", "now").Run()
	}
	return nil
}
