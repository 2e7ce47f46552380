package hybrid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/procgroup"
)

const (
	DefaultMaxSeconds     = 300
	DefaultMemoryMB       = 512
	DefaultMaxOutputBytes = 200000
	// communicationGrace is added to the CPU ceiling to get the wall-clock
	// deadline for one child.
	communicationGrace = 5 * time.Second
)

// Limits bound one child process.
type Limits struct {
	CPUSeconds     int
	MemoryMB       int
	MaxOutputBytes int
}

func (l Limits) withDefaults() Limits {
	if l.CPUSeconds <= 0 {
		l.CPUSeconds = DefaultMaxSeconds
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = DefaultMemoryMB
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return l
}

type execOutcome struct {
	exitCode  int
	stdout    string
	stderr    string
	timedOut  bool
	limitErrs []error
}

// runArgv executes argv directly with stdin from /dev/null. The child runs
// in its own process group, which is killed once CPUSeconds plus a grace
// period of wall time has passed; the exit code is then -1. With a launcher
// the rlimits are set before the command's first instruction; without one
// they are applied to the running child.
func runArgv(ctx context.Context, argv []string, limits Limits, launcher string) (execOutcome, error) {
	limits = limits.withDefaults()
	if len(argv) == 0 {
		return execOutcome{}, errors.New("empty argv")
	}
	useLauncher := launcher != "" && launcherSupported
	if useLauncher {
		// Resolve here so a missing executable fails the same way with or
		// without the launcher.
		if _, err := exec.LookPath(argv[0]); err != nil {
			return execOutcome{}, err
		}
		argv = launchArgv(launcher, limits, argv)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return execOutcome{}, err
	}
	defer devnull.Close()
	cmd.Stdin = devnull
	procgroup.Setup(cmd)

	if err := cmd.Start(); err != nil {
		return execOutcome{}, err
	}
	var out execOutcome
	if !useLauncher {
		out.limitErrs = applyLimits(cmd.Process.Pid, limits)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(time.Duration(limits.CPUSeconds)*time.Second + communicationGrace)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		out.timedOut = true
		_ = procgroup.Kill(cmd)
		waitErr = <-done
	case <-ctx.Done():
		_ = procgroup.Kill(cmd)
		<-done
		return execOutcome{}, ctx.Err()
	}

	out.stdout = truncateOutput(stdout.Bytes(), limits.MaxOutputBytes)
	out.stderr = truncateOutput(stderr.Bytes(), limits.MaxOutputBytes)
	switch {
	case out.timedOut:
		out.exitCode = -1
	case waitErr == nil:
		out.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return execOutcome{}, fmt.Errorf("wait: %w", waitErr)
		}
		out.exitCode = exitErr.ExitCode()
	}
	return out, nil
}
