package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/audit"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/config"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/hybrid"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/metrics"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const (
	workerSecretHeader = "X-Worker-Secret"
	configEnv          = "XIB_WORKER_CONFIG"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := parseWorkerConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := newWorkerRunner(cfg, audit.New("worker"), metrics.New("worker"))
	if runner.producer != nil {
		if err := runner.producer.EnsureDirs(); err != nil {
			log.Fatalf("hybrid directories: %v", err)
		}
	}
	runner.log.Info("worker.start", "", map[string]any{
		"worker_id":    cfg.workerID,
		"api":          cfg.apiURL,
		"runtime_pref": cfg.runtimePref,
		"hybrid":       runner.producer != nil,
	})
	for _, msg := range configWarnings(cfg) {
		runner.log.Warn("worker.config", "", map[string]any{"worker_id": cfg.workerID, "message": msg})
	}
	runner.loop(ctx)
	runner.log.Info("worker.stop", "", map[string]any{"worker_id": cfg.workerID})
}

type workerConfig struct {
	apiURL         string
	workerID       string
	workerSecret   string
	runtimePref    string
	pollInterval   time.Duration
	requestTimeout time.Duration
	logBatch       int
	hybridQueue    string
	hybridResults  string
	hybridSecret   string
	hybridGrace    time.Duration
	hybridPoll     time.Duration
}

type workerFileConfig struct {
	API                   *string `yaml:"api"`
	WorkerID              *string `yaml:"worker_id"`
	WorkerSecret          *string `yaml:"worker_secret"`
	RuntimePref           *string `yaml:"runtime_pref"`
	PollIntervalSeconds   *int64  `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds *int64  `yaml:"request_timeout_seconds"`
	LogBatch              *int64  `yaml:"log_batch"`
	HybridQueue           *string `yaml:"hybrid_queue"`
	HybridResults         *string `yaml:"hybrid_results"`
	HybridSecret          *string `yaml:"hybrid_secret"`
	HybridGraceSeconds    *int64  `yaml:"hybrid_grace_seconds"`
	HybridPollMillis      *int64  `yaml:"hybrid_poll_millis"`
}

func parseWorkerConfig(args []string) (workerConfig, error) {
	var file workerFileConfig
	configPath := config.PathFromArgs(args, configEnv)
	if err := config.LoadYAML(configPath, &file); err != nil {
		return workerConfig{}, err
	}

	var cfg workerConfig
	var pollSec, timeoutSec, logBatch, graceSec, hybridPollMillis int64
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.String("config", configPath, "path to YAML config file")
	fs.StringVar(&cfg.apiURL, "api", config.ResolveString(file.API, "XIB_API_URL", "http://localhost:8001"), "control plane url")
	fs.StringVar(&cfg.workerID, "worker-id", config.ResolveString(file.WorkerID, "XIB_WORKER_ID", ""), "worker id (default host-uuid)")
	fs.StringVar(&cfg.workerSecret, "worker-secret", config.ResolveString(file.WorkerSecret, "WORKER_SECRET", ""), "shared secret sent on worker endpoints")
	fs.StringVar(&cfg.runtimePref, "runtime-pref", config.ResolveString(file.RuntimePref, "XIB_RUNTIME_PREF", ""), "only claim jobs for this runtime")
	fs.Int64Var(&pollSec, "poll-interval-seconds", config.ResolveInt64(file.PollIntervalSeconds, "XIB_POLL_INTERVAL_SECONDS", 3), "poll interval seconds")
	fs.Int64Var(&timeoutSec, "request-timeout-seconds", config.ResolveInt64(file.RequestTimeoutSeconds, "XIB_REQUEST_TIMEOUT_SECONDS", 20), "control plane request timeout seconds")
	fs.Int64Var(&logBatch, "log-batch", config.ResolveInt64(file.LogBatch, "XIB_LOG_BATCH", 20), "lines per log append")
	fs.StringVar(&cfg.hybridQueue, "hybrid-queue", config.ResolveString(file.HybridQueue, "HYBRID_QUEUE_DIR", ""), "hybrid queue directory")
	fs.StringVar(&cfg.hybridResults, "hybrid-results", config.ResolveString(file.HybridResults, "HYBRID_RESULTS_DIR", ""), "hybrid results directory")
	fs.StringVar(&cfg.hybridSecret, "hybrid-secret", config.ResolveString(file.HybridSecret, "HYBRID_SECRET_TOKEN", ""), "token written into hybrid command files")
	fs.Int64Var(&graceSec, "hybrid-grace-seconds", config.ResolveInt64(file.HybridGraceSeconds, "HYBRID_GRACE_SECONDS", 5), "extra wait beyond timeout_seconds for hybrid results")
	fs.Int64Var(&hybridPollMillis, "hybrid-poll-millis", config.ResolveInt64(file.HybridPollMillis, "HYBRID_POLL_MILLIS", 800), "hybrid result poll interval")
	if err := fs.Parse(args); err != nil {
		return workerConfig{}, err
	}

	if pollSec <= 0 || timeoutSec <= 0 || logBatch <= 0 {
		return workerConfig{}, errors.New("poll interval, request timeout and log batch must be positive")
	}
	if graceSec < 0 || hybridPollMillis <= 0 {
		return workerConfig{}, errors.New("hybrid grace must not be negative and hybrid poll must be positive")
	}
	if (cfg.hybridQueue == "") != (cfg.hybridResults == "") {
		return workerConfig{}, errors.New("hybrid mode needs both a queue and a results directory")
	}
	cfg.apiURL = strings.TrimRight(cfg.apiURL, "/")
	cfg.pollInterval = time.Duration(pollSec) * time.Second
	cfg.requestTimeout = time.Duration(timeoutSec) * time.Second
	cfg.logBatch = int(logBatch)
	cfg.hybridGrace = time.Duration(graceSec) * time.Second
	cfg.hybridPoll = time.Duration(hybridPollMillis) * time.Millisecond
	if strings.TrimSpace(cfg.workerID) == "" {
		host, _ := os.Hostname()
		cfg.workerID = fmt.Sprintf("%s-%s", host, xibalba.NewJobID())
	}
	return cfg, nil
}

// configWarnings lists settings that are valid but likely to misbehave.
func configWarnings(cfg workerConfig) []string {
	var out []string
	if cfg.hybridQueue != "" && cfg.hybridGrace == 0 {
		out = append(out, "hybrid_grace_seconds is 0: the agent kills a command only after its max_seconds+5s, "+
			"so a command using its full timeout_seconds will be reported as timed out before its result arrives")
	}
	return out
}

func newWorkerRunner(cfg workerConfig, logger *audit.Logger, m *metrics.Registry) *workerRunner {
	r := &workerRunner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.requestTimeout},
		log:        logger,
		metrics:    m,
	}
	if cfg.hybridQueue != "" {
		r.producer = &hybrid.Producer{
			QueueDir:     cfg.hybridQueue,
			ResultsDir:   cfg.hybridResults,
			Secret:       cfg.hybridSecret,
			PollInterval: cfg.hybridPoll,
		}
	}
	return r
}
