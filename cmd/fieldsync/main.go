package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/openrounds/fieldsync/internal/bus"
	"github.com/openrounds/fieldsync/internal/capture"
	"github.com/openrounds/fieldsync/internal/config"
	"github.com/openrounds/fieldsync/internal/conflict"
	"github.com/openrounds/fieldsync/internal/engine"
	"github.com/openrounds/fieldsync/internal/gateway"
	otelPkg "github.com/openrounds/fieldsync/internal/otel"
	"github.com/openrounds/fieldsync/internal/queue"
	"github.com/openrounds/fieldsync/internal/remote"
	"github.com/openrounds/fieldsync/internal/scheduler"
	"github.com/openrounds/fieldsync/internal/telemetry"
	"github.com/openrounds/fieldsync/internal/verify"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the sync daemon
  %s -offline                 Start with connectivity marked offline
  %s -quiet                   Log to file only (no stdout echo)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FIELDSYNC_HOME          Data directory (default: ~/.fieldsync)
  FIELDSYNC_REMOTE_URL    Base URL of the sync service
  FIELDSYNC_REMOTE_TOKEN  Bearer token for the sync service
  FIELDSYNC_AUTH_TOKEN    Local gateway auth token (generated if unset)
`)
}

func main() {
	loadDotEnv(".env")

	offline := flag.Bool("offline", false, "start with connectivity marked offline")
	quiet := flag.Bool("quiet", false, "log to file only, skip stdout echo")
	flag.Usage = printUsage
	flag.Parse()

	// Only echo logs to stdout when someone is actually watching.
	quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := queue.Open(config.QueuePath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	validator, err := capture.NewValidator()
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}
	adapter := capture.NewAdapter(store, validator)

	if cfg.Remote.BaseURL == "" {
		fatalStartup(logger, "E_REMOTE_URL_MISSING",
			fmt.Errorf("remote.base_url is not configured; set it in %s or FIELDSYNC_REMOTE_URL", config.ConfigPath(cfg.HomeDir)))
	}
	remoteClient := remote.NewClient(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.Timeout(),
	})

	detector := conflict.NewDetector(store, eventBus, logger)
	resolver := conflict.NewResolver(store, remoteClient, eventBus, logger)
	verifier := verify.New(remoteClient, logger)

	eng := engine.New(engine.Options{
		Store:     store,
		Remote:    remoteClient,
		Detector:  detector,
		Verifier:  verifier,
		Validator: validator,
		Bus:       eventBus,
		Logger:    logger,
		Metrics:   metrics,
		Tunables:  tunablesFromConfig(cfg.Sync),
	})
	eng.Start(ctx)
	defer eng.Stop()
	eng.SetOnline(!*offline)

	sched, err := scheduler.NewScheduler(scheduler.Config{
		CronExpr: cfg.Sync.Cron,
		Trigger:  eng.TriggerSync,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			if newCfg.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = newCfg.Fingerprint()
			eng.SetTunables(tunablesFromConfig(newCfg.Sync))
			logger.Info("config.yaml hot-reloaded", "config_hash", fingerprint)
		}
	}()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}
	if cfg.AuthToken != "" {
		authToken = cfg.AuthToken
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Capture:           adapter,
		Engine:            eng,
		Resolver:          resolver,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         authToken,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Drain whatever survived the last shutdown as soon as we are up.
	eng.TriggerSync()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func tunablesFromConfig(sc config.SyncConfig) engine.Tunables {
	return engine.Tunables{
		Concurrency: sc.Concurrency,
		BatchSize:   sc.BatchSize,
		MaxAttempts: sc.MaxAttempts,
		BackoffMin:  time.Duration(sc.BackoffMinSeconds) * time.Second,
		BackoffMax:  time.Duration(sc.BackoffMaxSeconds) * time.Second,
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"sync","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
