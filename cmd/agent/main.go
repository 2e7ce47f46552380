package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/audit"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/config"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/hybrid"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/metrics"
)

const configEnv = "XIB_AGENT_CONFIG"

func main() {
	if len(os.Args) > 1 && os.Args[1] == hybrid.LimitExecArg {
		if err := hybrid.RunLimitExec(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "rlimit launcher: %v\n", err)
			os.Exit(127)
		}
	}
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := parseAgentConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger := audit.New("hybrid_agent")
	if cfg.Secret == "" {
		logger.Warn("agent.auth", "", map[string]any{
			"mode":    "dev",
			"message": "HYBRID_SECRET is not set; command files are not authenticated",
		})
	}
	if self, err := os.Executable(); err == nil {
		cfg.Launcher = self
	} else {
		logger.Warn("agent.launcher", "", map[string]any{
			"error":   err.Error(),
			"message": "rlimits will be applied after the child starts",
		})
	}
	cfg.Logger = logger
	cfg.Metrics = metrics.New("agent")

	agent, err := hybrid.NewAgent(cfg)
	if err != nil {
		log.Fatalf("failed to start agent: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := agent.Run(ctx); err != nil {
		log.Fatalf("agent exited: %v", err)
	}
}

type agentFileConfig struct {
	Queue               *string `yaml:"queue"`
	Results             *string `yaml:"results"`
	Secret              *string `yaml:"secret"`
	PollIntervalSeconds *int64  `yaml:"poll_interval_seconds"`
	MaxSeconds          *int64  `yaml:"max_seconds"`
	MemoryMB            *int64  `yaml:"memory_mb"`
	MaxOutput           *int64  `yaml:"max_output"`
	DryRun              *bool   `yaml:"dry_run"`
}

func parseAgentConfig(args []string) (hybrid.AgentConfig, error) {
	var file agentFileConfig
	configPath := config.PathFromArgs(args, configEnv)
	if err := config.LoadYAML(configPath, &file); err != nil {
		return hybrid.AgentConfig{}, err
	}

	var cfg hybrid.AgentConfig
	var pollSec, maxSeconds, memoryMB, maxOutput int64
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.String("config", configPath, "path to YAML config file")
	fs.StringVar(&cfg.QueueDir, "queue", config.ResolveString(file.Queue, "HYBRID_QUEUE", "hybrid/queue"), "directory polled for command files")
	fs.StringVar(&cfg.ResultsDir, "results", config.ResolveString(file.Results, "HYBRID_RESULTS", "hybrid/results"), "directory result files are written to")
	fs.StringVar(&cfg.Secret, "secret", config.ResolveString(file.Secret, "HYBRID_SECRET", ""), "required SECRET_TOKEN (empty disables validation)")
	fs.Int64Var(&pollSec, "poll-interval-seconds", config.ResolveInt64(file.PollIntervalSeconds, "HYBRID_POLL_INTERVAL", 2), "queue poll interval seconds")
	// A child is killed after max_seconds+5s of wall time. The worker stops
	// waiting after timeout_seconds+hybrid_grace_seconds, so max_seconds+5 must
	// not exceed that or the worker reports a timeout for a command the agent
	// is still running.
	fs.Int64Var(&maxSeconds, "max-seconds", config.ResolveInt64(file.MaxSeconds, "HYBRID_MAX_SECONDS", hybrid.DefaultMaxSeconds), "CPU seconds per command")
	fs.Int64Var(&memoryMB, "memory-mb", config.ResolveInt64(file.MemoryMB, "HYBRID_MEMORY_MB", hybrid.DefaultMemoryMB), "address space limit per command")
	fs.Int64Var(&maxOutput, "max-output", config.ResolveInt64(file.MaxOutput, "HYBRID_MAX_OUTPUT", hybrid.DefaultMaxOutputBytes), "bytes kept per output stream")
	fs.BoolVar(&cfg.DryRun, "dry-run", config.ResolveBool(file.DryRun, "HYBRID_DRY_RUN", false), "report commands without running them")
	if err := fs.Parse(args); err != nil {
		return hybrid.AgentConfig{}, err
	}

	if cfg.QueueDir == "" || cfg.ResultsDir == "" {
		return hybrid.AgentConfig{}, errors.New("queue and results directories are required")
	}
	if pollSec <= 0 || maxSeconds <= 0 || memoryMB <= 0 || maxOutput <= 0 {
		return hybrid.AgentConfig{}, errors.New("poll interval and limits must be positive")
	}
	cfg.PollInterval = time.Duration(pollSec) * time.Second
	cfg.Limits = hybrid.Limits{
		CPUSeconds:     int(maxSeconds),
		MemoryMB:       int(memoryMB),
		MaxOutputBytes: int(maxOutput),
	}
	return cfg, nil
}
