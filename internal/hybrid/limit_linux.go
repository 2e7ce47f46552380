//go:build linux

package hybrid

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

const (
	fileSizeLimit     = 10 * 1024 * 1024
	launcherSupported = true
)

type rlimit struct {
	resource int
	name     string
	value    unix.Rlimit
}

// rlimits lists the CPU, address-space and file-size ceilings for l.
func rlimits(l Limits) []rlimit {
	var out []rlimit
	if l.CPUSeconds > 0 {
		cpu := uint64(l.CPUSeconds)
		out = append(out, rlimit{unix.RLIMIT_CPU, "cpu", unix.Rlimit{Cur: cpu, Max: cpu + 5}})
	}
	out = append(out, rlimit{unix.RLIMIT_FSIZE, "fsize", unix.Rlimit{Cur: fileSizeLimit, Max: fileSizeLimit}})
	// Address space goes last: the launcher should allocate as little as
	// possible once it is capped.
	if l.MemoryMB > 0 {
		as := uint64(l.MemoryMB) * 1024 * 1024
		out = append(out, rlimit{unix.RLIMIT_AS, "as", unix.Rlimit{Cur: as, Max: as}})
	}
	return out
}

// applyLimits sets the ceilings on a child that is already running. It is
// the fallback when no launcher is configured. Each limit is best effort; a
// failure leaves that limit unset.
func applyLimits(pid int, l Limits) []error {
	var errs []error
	for _, r := range rlimits(l) {
		value := r.value
		if err := unix.Prlimit(pid, r.resource, &value, nil); err != nil {
			errs = append(errs, fmt.Errorf("prlimit %s: %w", r.name, err))
		}
	}
	return errs
}

// RunLimitExec is the body of the launcher: it sets the ceilings on its own
// process and replaces itself with the command, so every descendant starts
// limited. It only returns on failure.
func RunLimitExec(args []string) error {
	limits, argv, err := parseLimitExec(args)
	if err != nil {
		return err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	env := os.Environ()
	for _, r := range rlimits(limits) {
		value := r.value
		if err := unix.Setrlimit(r.resource, &value); err != nil {
			return fmt.Errorf("setrlimit %s: %w", r.name, err)
		}
	}
	return unix.Exec(path, argv, env)
}
