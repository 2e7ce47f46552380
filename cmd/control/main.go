package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/audit"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/config"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/journal"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/metrics"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/store"
	"github.com/Vado42-chris/00-xibalba-framework-blockchain/internal/xibalba"
)

const (
	workerSecretHeader = "X-Worker-Secret"
	auditComponent     = "control_plane"
	configEnv          = "XIB_CONTROL_CONFIG"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger := audit.New(auditComponent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := store.Options{DefaultTimeoutSeconds: int(cfg.defaultTimeoutSeconds)}
	if cfg.journalDriver != "" {
		j, err := journal.Open(ctx, cfg.journalDriver, cfg.journalDSN)
		if err != nil {
			log.Fatalf("failed to open journal: %v", err)
		}
		diag, err := j.Diagnostics(ctx)
		if err != nil {
			log.Fatalf("failed to inspect journal: %v", err)
		}
		logger.Info("control.journal", "", map[string]any{
			"driver":          cfg.journalDriver,
			"healthy":         diag.Healthy,
			"job_count":       diag.JobCount,
			"log_entry_count": diag.LogEntryCount,
		})
		opts.Journal = j
	}
	s, err := store.Open(ctx, opts)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	if cfg.workerSecret == "" {
		logger.Warn("control.auth", "", map[string]any{
			"mode":    "dev",
			"message": "WORKER_SECRET is not set; worker endpoints accept any caller",
		})
	}

	srv := newServer(ctx, s, cfg, logger, metrics.New("control"))
	httpServer := &http.Server{
		Addr:              cfg.addr,
		Handler:           newHTTPHandler(srv, os.Stdout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("control.listen", "", map[string]any{
		"addr":           cfg.addr,
		"journal":        cfg.journalDriver,
		"simulate_delay": cfg.simulateDelay.Seconds(),
		"state":          "starting",
	})
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server exited: %v", err)
	}
	srv.wait()
	logger.Info("control.shutdown", "", nil)
}

type controlConfig struct {
	addr                  string
	workerSecret          string
	journalDriver         string
	journalDSN            string
	simulateDelay         time.Duration
	simulateStep          time.Duration
	defaultTimeoutSeconds int64
	logTailDefault        int64
}

type controlFileConfig struct {
	Addr                  *string `yaml:"addr"`
	WorkerSecret          *string `yaml:"worker_secret"`
	JournalDriver         *string `yaml:"journal_driver"`
	JournalDSN            *string `yaml:"journal_dsn"`
	SimulateDelaySeconds  *int64  `yaml:"simulate_delay_seconds"`
	SimulateStepMillis    *int64  `yaml:"simulate_step_millis"`
	DefaultTimeoutSeconds *int64  `yaml:"default_timeout_seconds"`
	LogTailDefault        *int64  `yaml:"log_tail_default"`
}

func parseConfig(args []string) (controlConfig, error) {
	var file controlFileConfig
	configPath := config.PathFromArgs(args, configEnv)
	if err := config.LoadYAML(configPath, &file); err != nil {
		return controlConfig{}, err
	}

	var cfg controlConfig
	var simulateDelaySec, simulateStepMillis int64
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	fs.String("config", configPath, "path to YAML config file")
	fs.StringVar(&cfg.addr, "addr", config.ResolveString(file.Addr, "XIB_ADDR", ":8001"), "listen address")
	fs.StringVar(&cfg.workerSecret, "worker-secret", config.ResolveString(file.WorkerSecret, "WORKER_SECRET", ""), "shared secret required on worker endpoints (empty disables auth)")
	fs.StringVar(&cfg.journalDriver, "journal-driver", config.ResolveString(file.JournalDriver, "XIB_JOURNAL_DRIVER", ""), "journal driver: sqlite3, postgres, or empty for memory only")
	fs.StringVar(&cfg.journalDSN, "journal-dsn", config.ResolveString(file.JournalDSN, "XIB_JOURNAL_DSN", "xibalba.db"), "journal data source name")
	fs.Int64Var(&simulateDelaySec, "simulate-delay-seconds", config.ResolveInt64(file.SimulateDelaySeconds, "XIB_SIMULATE_DELAY_SECONDS", 0), "run unclaimed jobs in the simulator after this many seconds (0 disables)")
	fs.Int64Var(&simulateStepMillis, "simulate-step-millis", config.ResolveInt64(file.SimulateStepMillis, "XIB_SIMULATE_STEP_MILLIS", 600), "delay between simulated steps")
	fs.Int64Var(&cfg.defaultTimeoutSeconds, "default-timeout-seconds", config.ResolveInt64(file.DefaultTimeoutSeconds, "XIB_DEFAULT_TIMEOUT_SECONDS", xibalba.DefaultTimeoutSeconds), "timeout applied to jobs that do not set one")
	fs.Int64Var(&cfg.logTailDefault, "log-tail-default", config.ResolveInt64(file.LogTailDefault, "XIB_LOG_TAIL_DEFAULT", 200), "entries returned by the logs endpoint when tail is omitted")
	if err := fs.Parse(args); err != nil {
		return controlConfig{}, err
	}

	switch cfg.journalDriver {
	case "", journal.DriverSQLite, journal.DriverPostgres:
	default:
		return controlConfig{}, errors.New("journal-driver must be sqlite3 or postgres")
	}
	if simulateDelaySec < 0 || simulateStepMillis < 0 {
		return controlConfig{}, errors.New("simulator delays must not be negative")
	}
	if cfg.defaultTimeoutSeconds <= 0 {
		return controlConfig{}, errors.New("default-timeout-seconds must be positive")
	}
	cfg.simulateDelay = time.Duration(simulateDelaySec) * time.Second
	cfg.simulateStep = time.Duration(simulateStepMillis) * time.Millisecond
	return cfg, nil
}
