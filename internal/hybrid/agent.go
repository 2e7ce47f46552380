package hybrid

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/audit"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/metrics"
)

const DefaultAgentPoll = 2 * time.Second

type AgentConfig struct {
	QueueDir   string
	ResultsDir string
	// Secret enables token validation when non-empty.
	Secret       string
	PollInterval time.Duration
	Limits       Limits
	// Launcher is the path of a binary that handles LimitExecArg, normally
	// the agent itself. Empty means rlimits are applied after Start.
	Launcher string
	DryRun   bool
	Logger   *audit.Logger
	Metrics  *metrics.Registry
	Now      func() time.Time
}

// Agent executes command files from a queue directory. Several agents may
// share one queue; the rename claim guarantees each file runs at most once.
type Agent struct {
	cfg AgentConfig
	log *audit.Logger
}

func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.QueueDir == "" || cfg.ResultsDir == "" {
		return nil, errors.New("queue and results directories are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultAgentPoll
	}
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	for _, dir := range []string{cfg.QueueDir, cfg.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	log := cfg.Logger
	if log == nil {
		log = audit.New("hybrid_agent")
	}
	return &Agent{cfg: cfg, log: log}, nil
}

// Run polls the queue until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent.start", "", map[string]any{
		"queue":       a.cfg.QueueDir,
		"results":     a.cfg.ResultsDir,
		"secret_set":  a.cfg.Secret != "",
		"dry_run":     a.cfg.DryRun,
		"max_seconds": a.cfg.Limits.CPUSeconds,
		"launcher":    a.cfg.Launcher != "",
	})
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		a.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			a.log.Info("agent.stop", "", nil)
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce handles every command file currently queued, oldest first, and
// returns how many this agent claimed.
func (a *Agent) ProcessOnce(ctx context.Context) int {
	names, err := a.listCommandFiles()
	if err != nil {
		a.log.Error("agent.list", "", map[string]any{"error": err.Error()})
		return 0
	}
	claimed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if a.processFile(ctx, name) {
			claimed++
		}
	}
	return claimed
}

func (a *Agent) listCommandFiles() ([]string, error) {
	entries, err := os.ReadDir(a.cfg.QueueDir)
	if err != nil {
		return nil, err
	}
	type queued struct {
		name  string
		mtime time.Time
	}
	var files []queued
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), CommandSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Claimed by someone else between ReadDir and Info.
			continue
		}
		files = append(files, queued{name: e.Name(), mtime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].mtime.Equal(files[j].mtime) {
			return files[i].mtime.Before(files[j].mtime)
		}
		return files[i].name < files[j].name
	})
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.name)
	}
	return out, nil
}

// claim renames name to its running form. A missing source means another
// agent won the race.
func (a *Agent) claim(name string) (string, bool) {
	src := filepath.Join(a.cfg.QueueDir, name)
	dst := filepath.Join(a.cfg.QueueDir, JobIDFromName(name)+RunningSuffix)
	if err := os.Rename(src, dst); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.log.Error("agent.claim", "", map[string]any{"file": name, "error": err.Error()})
		}
		return "", false
	}
	a.cfg.Metrics.Increment("claim")
	return dst, true
}

func (a *Agent) processFile(ctx context.Context, name string) bool {
	running, ok := a.claim(name)
	if !ok {
		return false
	}
	jobID := JobIDFromName(name)
	start := a.cfg.Now()
	a.log.Info("agent.claimed", "", map[string]any{"job_id": jobID})

	result, publish := a.execute(ctx, jobID, running)
	if !publish || a.canceled(jobID) {
		a.discard(jobID, running)
		return true
	}
	a.complete(jobID, running, result)
	a.cfg.Metrics.Since("execute.latency", start)
	return true
}

// execute never panics out: any internal failure becomes an agent-exception
// result so the waiting worker is always answered.
func (a *Agent) execute(ctx context.Context, jobID, running string) (result Result, publish bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("agent.exception", "", map[string]any{"job_id": jobID, "panic": fmt.Sprint(r)})
			result = a.failure(-1, fmt.Sprintf("agent-exception: %v", r))
			publish = true
		}
	}()

	contents, err := os.ReadFile(running)
	if err != nil {
		a.log.Error("agent.read", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return a.failure(-1, "failed to read command file"), true
	}
	cmd, err := ParseCommandFile(contents)
	if err != nil {
		a.log.Warn("agent.parse", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return a.failure(-1, "parse-error: "+err.Error()), true
	}
	if a.cfg.Secret != "" && !secretMatches(cmd.Secret, a.cfg.Secret) {
		a.cfg.Metrics.Increment("secret.rejected")
		a.log.Warn("agent.secret", "", map[string]any{"job_id": jobID, "status": "rejected"})
		return a.failure(1, "SECRET_TOKEN missing or invalid"), true
	}
	argv, err := BuildCommand(cmd.Payload)
	if err != nil {
		a.log.Warn("agent.build", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return a.failure(-1, "command-parse-error: "+err.Error()), true
	}
	if a.canceled(jobID) {
		a.log.Info("agent.canceled", "", map[string]any{"job_id": jobID, "stage": "before_execute"})
		return Result{}, false
	}
	if a.cfg.DryRun {
		return newResult(0, "dry-run: "+strings.Join(argv, " "), "", a.cfg.Now()), true
	}

	out, err := runArgv(ctx, argv, a.cfg.Limits, a.cfg.Launcher)
	if err != nil {
		if ctx.Err() != nil {
			return a.failure(-1, "agent-exception: agent shutting down"), true
		}
		a.log.Warn("agent.exec", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return a.failure(-1, "agent-exception: "+err.Error()), true
	}
	for _, lerr := range out.limitErrs {
		a.log.Warn("agent.rlimit", "", map[string]any{"job_id": jobID, "error": lerr.Error()})
	}
	if out.timedOut {
		a.cfg.Metrics.Increment("execute.timeout")
	}
	a.log.Info("agent.executed", "", map[string]any{
		"job_id":    jobID,
		"exit_code": out.exitCode,
		"timed_out": out.timedOut,
	})
	return newResult(out.exitCode, out.stdout, out.stderr, a.cfg.Now()), true
}

func (a *Agent) failure(exitCode int, stderr string) Result {
	return newResult(exitCode, "", stderr, a.cfg.Now())
}

// complete publishes the result and always removes the running file.
func (a *Agent) complete(jobID, running string, result Result) {
	defer a.removeRunning(jobID, running)

	raw, err := EncodeResult(result)
	if err == nil {
		err = writeAtomic(filepath.Join(a.cfg.ResultsDir, jobID+ResultSuffix), raw)
	}
	if err != nil {
		a.log.Error("agent.publish", "", map[string]any{"job_id": jobID, "error": err.Error()})
		return
	}
	a.cfg.Metrics.Increment("publish")
	a.log.Info("agent.published", "", map[string]any{"job_id": jobID, "exit_code": result.ExitCode})
}

func (a *Agent) discard(jobID, running string) {
	a.removeRunning(jobID, running)
	_ = os.Remove(a.cancelPath(jobID))
	a.cfg.Metrics.Increment("discard.canceled")
	a.log.Info("agent.discarded", "", map[string]any{"job_id": jobID})
}

func (a *Agent) removeRunning(jobID, running string) {
	if err := os.Remove(running); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.log.Error("agent.cleanup", "", map[string]any{"job_id": jobID, "error": err.Error()})
	}
}

func (a *Agent) cancelPath(jobID string) string {
	return filepath.Join(a.cfg.QueueDir, jobID+CancelSuffix)
}

func (a *Agent) canceled(jobID string) bool {
	_, err := os.Stat(a.cancelPath(jobID))
	return err == nil
}
