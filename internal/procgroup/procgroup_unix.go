//go:build !windows

// Package procgroup runs children in their own process group so a kill
// reaches everything they spawned.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Setup makes cmd the leader of a new process group. Call it before Start.
func Setup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Kill sends SIGKILL to the whole group led by cmd.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
