//go:build !linux

package hybrid

import (
	"fmt"
	"runtime"
)

const launcherSupported = false

// Rlimits on other children are not enforced here; the communication
// timeout still bounds execution.
func applyLimits(pid int, l Limits) []error {
	return nil
}

func RunLimitExec(args []string) error {
	return fmt.Errorf("rlimit launcher is not supported on %s", runtime.GOOS)
}
