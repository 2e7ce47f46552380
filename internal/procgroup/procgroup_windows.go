//go:build windows

package procgroup

import "os/exec"

func Setup(cmd *exec.Cmd) {}

// Kill only reaches the direct child on windows.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
