// Package pipeline composes the access stages for upstream data:
// queue admission, cache lookup with stampede protection, retry with
// credential rotation, and finally the raw fetch.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/cache"
	"github.com/gridlane/gridlane/internal/core/keypool"
	"github.com/gridlane/gridlane/internal/core/queue"
	"github.com/gridlane/gridlane/internal/core/retry"
	"github.com/gridlane/gridlane/internal/metrics"
)

// FetchFunc performs one raw upstream call for an endpoint.
type FetchFunc func(ctx context.Context, params core.Params, credential string) (json.RawMessage, error)

// PrepareFunc normalizes and validates request params before admission.
type PrepareFunc func(endpoint string, params core.Params) (core.Params, error)

// SnapshotStore persists cache fills so a restart can begin warm.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap core.Snapshot) error
	LoadSnapshots(ctx context.Context, since time.Time) ([]core.Snapshot, error)
}

// Config holds the tunables for every stage.
type Config struct {
	Credentials      []string
	Strategy         keypool.Strategy
	Cooldown         time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	CacheTTL         time.Duration
	WarmHorizon      time.Duration
	QueueInterval    time.Duration
	QueueWaitTimeout time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithPrepare runs fn ahead of the queue. A rejected request never takes a
// pacing slot or a credential.
func WithPrepare(fn PrepareFunc) Option {
	return func(p *Pipeline) { p.prepare = fn }
}

// WithSnapshotStore enables write-through persistence of cache fills.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(p *Pipeline) { p.snapshots = s }
}

// stages is the set of swappable stage instances. A fetch captures one set
// and uses it to completion even if an admin operation swaps it meanwhile.
type stages struct {
	pool  *keypool.Pool
	cache *cache.Cache[core.Payload]
	queue *queue.Queue
}

// Pipeline is the single entry point for upstream data.
type Pipeline struct {
	mu       sync.RWMutex
	current  stages
	strategy keypool.Strategy

	cfg       Config
	endpoints map[string]FetchFunc
	prepare   PrepareFunc
	rotator   *retry.Rotator
	clock     clockwork.Clock
	logger    *logging.Logger

	snapshots     SnapshotStore
	persistMu     sync.RWMutex
	persistCh     chan core.Snapshot
	persistClosed bool
	persistWG     sync.WaitGroup
}

// New builds a pipeline serving the given endpoints.
func New(cfg Config, endpoints map[string]FetchFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		endpoints: endpoints,
		strategy:  cfg.Strategy,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.strategy == "" {
		p.strategy = keypool.RoundRobin
	}

	p.rotator = &retry.Rotator{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		Clock:       p.clock,
		Logger:      p.logger,
	}
	p.current = stages{
		pool:  p.newPool(p.strategy),
		cache: p.newCache(),
		queue: queue.New(cfg.QueueInterval,
			queue.WithClock(p.clock),
			queue.WithWaitTimeout(cfg.QueueWaitTimeout),
			queue.WithLogger(p.logger)),
	}

	if p.snapshots != nil {
		p.persistCh = make(chan core.Snapshot, 64)
		p.persistWG.Add(1)
		go p.persistLoop()
	}
	return p
}

func (p *Pipeline) newPool(strategy keypool.Strategy) *keypool.Pool {
	return keypool.New(p.cfg.Credentials,
		keypool.WithStrategy(strategy),
		keypool.WithCooldown(p.cfg.Cooldown),
		keypool.WithClock(p.clock),
		keypool.WithLogger(p.logger))
}

func (p *Pipeline) newCache() *cache.Cache[core.Payload] {
	return cache.New(p.cfg.CacheTTL,
		cache.WithClock[core.Payload](p.clock),
		cache.WithLogger[core.Payload](p.logger),
		cache.WithOnStore(p.persist))
}

func (p *Pipeline) stages() stages {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Endpoints lists the endpoint names this pipeline serves.
func (p *Pipeline) Endpoints() []string {
	names := make([]string, 0, len(p.endpoints))
	for name := range p.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type fill struct {
	payload core.Payload
	source  core.Source
}

// Fetch serves one logical data request through every stage.
func (p *Pipeline) Fetch(ctx context.Context, endpoint string, params core.Params) (core.Result, error) {
	fetch, ok := p.endpoints[endpoint]
	if !ok {
		return core.Result{}, fmt.Errorf("%w: %s", core.ErrUnknownEndpoint, endpoint)
	}
	params = params.Clone()
	if p.prepare != nil {
		prepared, err := p.prepare(endpoint, params)
		if err != nil {
			metrics.RecordFetch(endpoint, ErrorCode(err), 0)
			p.log(err, "Fetch rejected",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			return core.Result{}, err
		}
		params = prepared
	}
	fingerprint := core.Fingerprint(endpoint, params)
	st := p.stages()
	started := p.clock.Now()

	out, err := queue.Submit(ctx, st.queue, func(ctx context.Context) (fill, error) {
		metrics.RecordQueueWait(endpoint, p.clock.Since(started))

		payload, source, err := st.cache.Guard(ctx, fingerprint, func(ctx context.Context) (core.Payload, error) {
			var data json.RawMessage
			outcome, err := p.rotator.Do(ctx, st.pool, func(ctx context.Context, credential string) error {
				raw, err := fetch(ctx, params, credential)
				if err != nil {
					return err
				}
				data = raw
				return nil
			})
			metrics.RecordUpstreamAttempts(endpoint, outcome.Attempts, outcome.RateLimited, outcome.Deactivated)
			if err != nil {
				return core.Payload{}, err
			}
			return core.Payload{Data: data, FetchedAt: p.clock.Now()}, nil
		})
		return fill{payload: payload, source: source}, err
	})

	elapsed := p.clock.Since(started)
	poolStats := st.pool.Stats()
	metrics.SetPipelineGauges(poolStats.Available, st.queue.Stats().Backlog)

	if err != nil {
		metrics.RecordFetch(endpoint, ErrorCode(err), elapsed)
		p.log(err, "Fetch failed",
			zap.String("endpoint", endpoint),
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return core.Result{}, err
	}

	metrics.RecordFetch(endpoint, string(out.source), elapsed)
	if p.logger != nil {
		p.logger.Debug("Fetch served",
			zap.String("endpoint", endpoint),
			zap.String("source", string(out.source)),
			zap.Duration("elapsed", elapsed))
	}
	return core.Result{
		Endpoint:    endpoint,
		Params:      params,
		Fingerprint: fingerprint,
		Data:        out.payload.Data,
		FetchedAt:   out.payload.FetchedAt,
		Source:      out.source,
	}, nil
}

// ErrorCode names the terminal error kind of err for metrics and envelopes.
func ErrorCode(err error) string {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return "BAD_REQUEST"
	case errors.Is(err, core.ErrUnknownEndpoint):
		return "NOT_FOUND"
	case errors.Is(err, core.ErrQueueTimeout):
		return "QUEUE_TIMEOUT"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, core.ErrQueueCleared):
		return "QUEUE_CLEARED"
	case errors.Is(err, core.ErrAllKeysExhausted), errors.Is(err, core.ErrPoolExhausted):
		return "POOL_EXHAUSTED"
	case errors.Is(err, core.ErrRetriesExhausted):
		return "RETRIES_EXHAUSTED"
	case errors.Is(err, context.Canceled):
		return "CANCELED"
	default:
		return "INTERNAL_ERROR"
	}
}

func (p *Pipeline) log(err error, msg string, fields ...zap.Field) {
	if p.logger == nil {
		return
	}
	var verr *core.ValidationError
	if errors.As(err, &verr) || errors.Is(err, core.ErrUnknownEndpoint) {
		p.logger.Debug(msg, fields...)
		return
	}
	p.logger.Error(msg, fields...)
}
