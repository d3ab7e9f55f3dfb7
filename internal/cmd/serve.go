package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridlane/gridlane/internal/config"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	errwrap "github.com/gridlane/gridlane/internal/errors"
	"github.com/gridlane/gridlane/internal/metrics"
	"github.com/gridlane/gridlane/internal/observability"
	"github.com/gridlane/gridlane/internal/server"
	"github.com/gridlane/gridlane/internal/server/handlers"
)

const uptimeInterval = 15 * time.Second

var (
	serverPort int
	serverHost string
)

// signalHealthChecker implements HealthChecker for signal system
type signalHealthChecker struct{}

func (s signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil // Signal handlers are registered and ready
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP API in front of the Gridstatus pipeline.

The cache is warm-loaded from the snapshot store at startup and every fill is
written back, so a restart begins with the last known data.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload config; a changed pool.strategy resets the credential pool`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		overrides["server.host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		overrides["server.port"] = serverPort
	}
	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "configuration invalid")
	}

	observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
	}

	logger.Info("Initializing server",
		zap.String("service", config.AppName),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("metrics_port", observability.GetMetricsPort()),
		zap.Int("credentials", len(cfg.Upstream.Credentials)),
		zap.String("strategy", cfg.Pool.Strategy))
	if len(cfg.Upstream.Credentials) == 0 {
		logger.Warn("No upstream credentials configured; every fetch will fail with POOL_EXHAUSTED",
			zap.String("env", config.EnvPrefix+"_UPSTREAM_CREDENTIALS"))
	}

	started := time.Now()
	ds := newDataService(ctx, cfg, logger)

	var closeOnce sync.Once
	closeData := func(ctx context.Context) error {
		var err error
		closeOnce.Do(func() { err = ds.Close(ctx) })
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = closeData(closeCtx)
	}()

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signal_handlers", signalHealthChecker{})
	hm.RegisterChecker("credential_pool", handlers.PoolChecker(ds.pipeline))
	hm.RegisterChecker("request_queue", handlers.QueueChecker(ds.pipeline))
	if ds.store != nil {
		hm.RegisterChecker("snapshot_store", handlers.StoreChecker(ds.store))
	}
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}

	srv := server.New(server.Options{
		Config:   cfg.Server,
		Service:  ds.pipeline,
		Catalog:  gridstatus.Catalog(),
		Defaults: handlers.Defaults{Market: cfg.Upstream.Market, Location: cfg.Upstream.Location},

		AdminToken: os.Getenv(config.EnvPrefix + "_ADMIN_TOKEN"),
	})

	// Shutdown handlers run LIFO: HTTP server, then pipeline, then logger.
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Flushing logger...")
		if err := logger.Sync(); err != nil {
			// Sync errors are often benign (stdout/stderr already closed)
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Stopping pipeline and flushing snapshots...")
		closeCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := closeData(closeCtx); err != nil {
			metrics.RecordOperationError("snapshot_flush", "timeout")
			return errwrap.WrapInternal(ctx, err, "pipeline shutdown failed")
		}
		metrics.RecordOperation("snapshot_flush", true)
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}

		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: attempting config reload")

		next, err := loadConfig(cmd, overrides)
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}

		current := ds.pipeline.PoolStats().Strategy
		if string(current) != next.Pool.Strategy {
			if _, err := ds.pipeline.ResetPool(next.Pool.Strategy); err != nil {
				return errwrap.WrapConfigInvalid(ctx, err, "pool strategy reload failed")
			}
		}

		logger.Info("Configuration reloaded",
			zap.String("file", next.FileUsed),
			zap.String("strategy", next.Pool.Strategy))
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	metrics.SetServerStartTime(started.Unix())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := signals.Listen(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Signal handler error", zap.Error(err))
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(uptimeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.SetServerUptime(int64(time.Since(started).Seconds()))
			}
		}
	})

	if err := g.Wait(); err != nil {
		return errwrap.WrapInternal(ctx, err, "server error")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
}
