package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nexus-labs/nexus/core/pkg/api"
	"github.com/nexus-labs/nexus/core/pkg/artifacts"
	"github.com/nexus-labs/nexus/core/pkg/config"
	"github.com/nexus-labs/nexus/core/pkg/deadletter"
	"github.com/nexus-labs/nexus/core/pkg/dispatch"
	"github.com/nexus-labs/nexus/core/pkg/eventlog"
	"github.com/nexus-labs/nexus/core/pkg/executor"
	"github.com/nexus-labs/nexus/core/pkg/metrics"
	"github.com/nexus-labs/nexus/core/pkg/modcache"
	"github.com/nexus-labs/nexus/core/pkg/observability"
	"github.com/nexus-labs/nexus/core/pkg/registry"
	"github.com/nexus-labs/nexus/core/pkg/replay"
	"github.com/nexus-labs/nexus/core/pkg/sandbox"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("nexusd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TelemetryEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = provider.Shutdown(shutCtx)
	}()

	collector := metrics.New()

	retention := eventlog.Retention{MaxAge: cfg.RetentionMaxAge, MaxCount: cfg.RetentionMaxCount}
	log, err := openLog(ctx, cfg, retention)
	if err != nil {
		return err
	}
	defer log.Close()
	collector.SetLogConnected(log.Connected())
	eventlog.StartRetentionLoop(ctx, log, cfg.RetentionInterval, logger)

	defs, err := loadFunctions(cfg.FunctionsFile, logger)
	if err != nil {
		return err
	}
	reg, err := registry.New(defs)
	if err != nil {
		return err
	}
	logger.Info("registry loaded", "functions", reg.Len(), "file", cfg.FunctionsFile)

	store, err := artifacts.NewStore(ctx, artifacts.Config{
		Backend: cfg.ArtifactBackend,
		Dir:     cfg.ArtifactDir,
		S3: artifacts.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		},
	})
	if err != nil {
		return err
	}

	engine := sandbox.NewEngine(cfg.DefaultMemoryLimit)
	cache := modcache.New(engine, cfg.CacheCapacity)

	policy := executor.PolicyStrictExit
	if cfg.LenientExit {
		policy = executor.PolicyLenientExit
	}
	exec := executor.New(store, cache, engine, policy)

	sink, err := openDeadLetterSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer sink.Close()
	dlq := deadletter.NewRouter(sink)

	dispatcher := dispatch.New(exec, collector, dlq, provider, cfg.Workers, cfg.QueueDepth)
	replayer := replay.NewOrchestrator(log, reg, dispatcher, collector)

	srv := api.NewServer(log, reg, dispatcher, replayer, cache, dlq, collector, api.Options{
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nexusd listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Drain queued work before tearing down the engine.
	dispatcher.Stop()
	if err := engine.Close(shutCtx); err != nil {
		logger.Warn("engine close", "error", err)
	}
	return nil
}

func openLog(ctx context.Context, cfg *config.Config, retention eventlog.Retention) (eventlog.Log, error) {
	switch cfg.DBDriver {
	case "postgres":
		return eventlog.OpenPostgres(ctx, cfg.DBURL, retention)
	case "memory":
		return eventlog.NewMemoryLog(retention), nil
	default:
		return eventlog.OpenSQLite(ctx, cfg.DBPath, retention)
	}
}

func openDeadLetterSink(ctx context.Context, cfg *config.Config) (deadletter.Sink, error) {
	switch cfg.DeadLetterSink {
	case "redis":
		return deadletter.OpenRedisSink(ctx, cfg.RedisAddr, 0)
	case "memory":
		return deadletter.NewMemorySink(), nil
	default:
		return deadletter.OpenSQLiteSink(ctx, cfg.DeadLetterPath)
	}
}

// loadFunctions tolerates a missing functions file so a fresh node can
// come up with an empty registry.
func loadFunctions(path string, logger *slog.Logger) ([]registry.FunctionDefinition, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Warn("functions file not found, starting with empty registry", "file", path)
		return nil, nil
	}
	return config.LoadFunctions(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
