package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/cache"
	"github.com/gridlane/gridlane/internal/core/keypool"
	"github.com/gridlane/gridlane/internal/core/queue"
	"github.com/gridlane/gridlane/internal/metrics"
)

// Stats is the combined view of every stage.
type Stats struct {
	Pool      keypool.Stats `json:"pool" yaml:"pool"`
	Cache     cache.Stats   `json:"cache" yaml:"cache"`
	Queue     queue.Stats   `json:"queue" yaml:"queue"`
	Endpoints []string      `json:"endpoints" yaml:"endpoints"`
}

func (p *Pipeline) Stats() Stats {
	st := p.stages()
	return Stats{
		Pool:      st.pool.Stats(),
		Cache:     st.cache.Stats(),
		Queue:     st.queue.Stats(),
		Endpoints: p.Endpoints(),
	}
}

func (p *Pipeline) PoolStats() keypool.Stats {
	return p.stages().pool.Stats()
}

func (p *Pipeline) CacheStats() cache.Stats {
	return p.stages().cache.Stats()
}

func (p *Pipeline) QueueStats() queue.Stats {
	return p.stages().queue.Stats()
}

// ResetPool replaces the credential pool with a fresh one built from the
// configured credentials, reactivating any that were deactivated. An empty
// strategy keeps the current one. Fetches already holding the old pool
// finish against it.
func (p *Pipeline) ResetPool(strategy string) (keypool.Stats, error) {
	next := p.currentStrategy()
	if strategy != "" {
		parsed, err := keypool.ParseStrategy(strategy)
		if err != nil {
			return keypool.Stats{}, &core.ValidationError{Field: "strategy", Message: err.Error()}
		}
		next = parsed
	}

	pool := p.newPool(next)
	p.mu.Lock()
	p.current.pool = pool
	p.strategy = next
	p.mu.Unlock()

	metrics.RecordAdminReset("pool")
	if p.logger != nil {
		p.logger.Info("Credential pool reset",
			zap.String("strategy", string(next)),
			zap.Int("credentials", pool.Size()))
	}
	return pool.Stats(), nil
}

func (p *Pipeline) currentStrategy() keypool.Strategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strategy
}

// ClearCache swaps in an empty cache.
func (p *Pipeline) ClearCache() cache.Stats {
	c := p.newCache()
	p.mu.Lock()
	p.current.cache = c
	p.mu.Unlock()

	metrics.RecordAdminReset("cache")
	if p.logger != nil {
		p.logger.Info("Cache cleared")
	}
	return c.Stats()
}

// ClearQueue discards the queue backlog and restarts its worker.
func (p *Pipeline) ClearQueue(ctx context.Context) (queue.Stats, error) {
	q := p.stages().queue
	if err := q.Reset(ctx); err != nil {
		return queue.Stats{}, err
	}

	metrics.RecordAdminReset("queue")
	if p.logger != nil {
		p.logger.Info("Queue cleared and restarted")
	}
	return q.Stats(), nil
}

// WarmLoad seeds the cache from persisted snapshots stored within the warm
// horizon. Entries keep their original timestamps, so ones older than the
// TTL come back stale and only serve as fallbacks.
func (p *Pipeline) WarmLoad(ctx context.Context) (int, error) {
	if p.snapshots == nil {
		return 0, nil
	}
	horizon := p.cfg.WarmHorizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}

	snaps, err := p.snapshots.LoadSnapshots(ctx, p.clock.Now().Add(-horizon))
	if err != nil {
		return 0, err
	}

	c := p.stages().cache
	restored := 0
	for _, snap := range snaps {
		if _, ok := p.endpoints[snap.Endpoint]; !ok {
			continue
		}
		if c.Restore(snap.Fingerprint, snap.Payload, snap.StoredAt) {
			restored++
		}
	}

	if p.logger != nil {
		p.logger.Info("Cache warm load complete",
			zap.Int("snapshots", len(snaps)),
			zap.Int("restored", restored))
	}
	return restored, nil
}

// persist hands a fill to the background writer without blocking the
// cache section.
func (p *Pipeline) persist(fingerprint string, payload core.Payload, storedAt time.Time) {
	p.persistMu.RLock()
	defer p.persistMu.RUnlock()
	if p.persistCh == nil || p.persistClosed {
		return
	}
	endpoint, params, err := core.ParseFingerprint(fingerprint)
	if err != nil {
		return
	}
	snap := core.Snapshot{
		Fingerprint: fingerprint,
		Endpoint:    endpoint,
		Params:      params,
		Payload:     payload,
		StoredAt:    storedAt,
	}
	select {
	case p.persistCh <- snap:
	default:
		if p.logger != nil {
			p.logger.Warn("Snapshot writer backlog full, dropping snapshot",
				zap.String("fingerprint", fingerprint))
		}
	}
}

func (p *Pipeline) persistLoop() {
	defer p.persistWG.Done()
	for snap := range p.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.snapshots.SaveSnapshot(ctx, snap); err != nil && p.logger != nil {
			p.logger.Warn("Failed to persist cache snapshot",
				zap.String("fingerprint", snap.Fingerprint),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops the queue worker and flushes pending snapshot writes.
func (p *Pipeline) Close(ctx context.Context) error {
	err := p.stages().queue.Stop(ctx)
	p.persistMu.Lock()
	if p.persistCh != nil && !p.persistClosed {
		close(p.persistCh)
	}
	p.persistClosed = true
	p.persistMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.persistWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
