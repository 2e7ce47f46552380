package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/hybrid"
)

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		configEnv, "HYBRID_QUEUE", "HYBRID_RESULTS", "HYBRID_SECRET", "HYBRID_POLL_INTERVAL",
		"HYBRID_MAX_SECONDS", "HYBRID_MEMORY_MB", "HYBRID_MAX_OUTPUT", "HYBRID_DRY_RUN",
	} {
		t.Setenv(name, "")
	}
}

func TestParseAgentConfigDefaults(t *testing.T) {
	clearAgentEnv(t)
	cfg, err := parseAgentConfig(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.PollInterval != 2*time.Second || cfg.DryRun || cfg.Secret != "" {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	want := hybrid.Limits{CPUSeconds: 300, MemoryMB: 512, MaxOutputBytes: 200000}
	if cfg.Limits != want {
		t.Fatalf("expected limits %#v, got %#v", want, cfg.Limits)
	}
}

func TestParseAgentConfigPrecedence(t *testing.T) {
	clearAgentEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	body := "queue: /from-file/queue\nmax_seconds: 60\ndry_run: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HYBRID_QUEUE", "/from-env/queue")
	t.Setenv("HYBRID_SECRET", "abc")
	t.Setenv("HYBRID_MEMORY_MB", "256")

	cfg, err := parseAgentConfig([]string{"-config", path, "-max-seconds", "30"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.QueueDir != "/from-file/queue" || cfg.Secret != "abc" || !cfg.DryRun {
		t.Fatalf("unexpected precedence result %#v", cfg)
	}
	if cfg.Limits.CPUSeconds != 30 || cfg.Limits.MemoryMB != 256 {
		t.Fatalf("unexpected limits %#v", cfg.Limits)
	}
}

func TestParseAgentConfigRejectsInvalidLimits(t *testing.T) {
	clearAgentEnv(t)
	for _, args := range [][]string{
		{"-max-seconds", "0"},
		{"-memory-mb", "-5"},
		{"-poll-interval-seconds", "0"},
		{"-queue", ""},
	} {
		if _, err := parseAgentConfig(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}
