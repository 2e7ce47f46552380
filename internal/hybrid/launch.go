package hybrid

import (
	"errors"
	"flag"
	"strconv"
)

// LimitExecArg as the first argument makes the agent binary act as the
// rlimit launcher for one command instead of starting an agent.
const LimitExecArg = "-xib-rlimit-exec"

// launchArgv wraps argv so it runs through launcher with l applied.
func launchArgv(launcher string, l Limits, argv []string) []string {
	out := []string{
		launcher,
		LimitExecArg,
		"-cpu=" + strconv.Itoa(l.CPUSeconds),
		"-memory-mb=" + strconv.Itoa(l.MemoryMB),
		"--",
	}
	return append(out, argv...)
}

// parseLimitExec reads the arguments that follow LimitExecArg.
func parseLimitExec(args []string) (Limits, []string, error) {
	var l Limits
	fs := flag.NewFlagSet("rlimit-exec", flag.ContinueOnError)
	fs.IntVar(&l.CPUSeconds, "cpu", 0, "CPU seconds")
	fs.IntVar(&l.MemoryMB, "memory-mb", 0, "address space MB")
	if err := fs.Parse(args); err != nil {
		return Limits{}, nil, err
	}
	if fs.NArg() == 0 {
		return Limits{}, nil, errors.New("rlimit launcher: no command")
	}
	return l, fs.Args(), nil
}
