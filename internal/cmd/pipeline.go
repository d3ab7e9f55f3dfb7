package cmd

import (
	"context"
	"net/http"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/config"
	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/core/keypool"
	"github.com/gridlane/gridlane/internal/core/pipeline"
	"github.com/gridlane/gridlane/internal/core/store"
	"github.com/gridlane/gridlane/internal/metrics"
)

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Credentials:      cfg.Upstream.Credentials,
		Strategy:         keypool.Strategy(cfg.Pool.Strategy),
		Cooldown:         cfg.Pool.Cooldown,
		MaxAttempts:      cfg.Retry.MaxAttempts,
		BackoffBase:      cfg.Retry.BackoffBase,
		CacheTTL:         cfg.Cache.TTL,
		WarmHorizon:      cfg.Cache.WarmHorizon,
		QueueInterval:    cfg.Queue.Interval,
		QueueWaitTimeout: cfg.Queue.WaitTimeout,
	}
}

func newUpstream(cfg *config.Config, logger *logging.Logger) *gridstatus.Client {
	return &gridstatus.Client{
		BaseURL:    cfg.Upstream.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Upstream.Timeout},
		UserAgent:  config.AppName + "/" + versionInfo.Version,
		Logger:     logger,
	}
}

// dataService is a pipeline plus the store backing its snapshots, if any.
type dataService struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
}

// newDataService builds the pipeline. When cache.persist is on it opens the store
// and warm-loads the cache; a store failure only disables persistence.
func newDataService(ctx context.Context, cfg *config.Config, logger *logging.Logger) *dataService {
	rt := &dataService{}
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithPrepare(gridstatus.Prepare),
	}

	if cfg.Cache.Persist {
		db, err := openStore(ctx, cfg)
		if err != nil {
			logger.Warn("Snapshot store unavailable, continuing without persistence", zap.Error(err))
		} else {
			rt.store = db
			opts = append(opts, pipeline.WithSnapshotStore(db))
		}
	}

	rt.pipeline = pipeline.New(pipelineConfig(cfg), newUpstream(cfg, logger).Endpoints(), opts...)

	if rt.store != nil {
		if _, err := rt.pipeline.WarmLoad(ctx); err != nil {
			logger.Warn("Cache warm load failed", zap.Error(err))
			metrics.RecordOperationError("warm_load", "store")
		} else {
			metrics.RecordOperation("warm_load", true)
		}
	}
	return rt
}

// Close flushes pending snapshots and releases the store.
func (rt *dataService) Close(ctx context.Context) error {
	err := rt.pipeline.Close(ctx)
	if rt.store != nil {
		if closeErr := rt.store.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
