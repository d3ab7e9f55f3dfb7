package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gridlane/gridlane/internal/core"
	"github.com/gridlane/gridlane/internal/core/keypool"
)

type fakeUpstream struct {
	calls atomic.Int32
	mu    sync.Mutex
	keys  []string
	fn    func(params core.Params, credential string) (json.RawMessage, error)
}

func (f *fakeUpstream) fetch(ctx context.Context, params core.Params, credential string) (json.RawMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.keys = append(f.keys, credential)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(params, credential)
	}
	return json.RawMessage(`[{"lmp":42.5}]`), nil
}

func (f *fakeUpstream) set(fn func(params core.Params, credential string) (json.RawMessage, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

type memorySnapshots struct {
	mu    sync.Mutex
	snaps map[string]core.Snapshot
}

func (m *memorySnapshots) SaveSnapshot(ctx context.Context, snap core.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = map[string]core.Snapshot{}
	}
	m.snaps[snap.Fingerprint] = snap
	return nil
}

func (m *memorySnapshots) LoadSnapshots(ctx context.Context, since time.Time) ([]core.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Snapshot
	for _, snap := range m.snaps {
		if !snap.StoredAt.Before(since) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func testConfig(credentials ...string) Config {
	return Config{
		Credentials:      credentials,
		Strategy:         keypool.RoundRobin,
		Cooldown:         90 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      time.Nanosecond,
		CacheTTL:         5 * time.Minute,
		QueueInterval:    time.Millisecond,
		QueueWaitTimeout: 10 * time.Second,
	}
}

func newTestPipeline(t *testing.T, cfg Config, up *fakeUpstream, opts ...Option) *Pipeline {
	t.Helper()
	p := New(cfg, map[string]FetchFunc{"dayahead_latest": up.fetch}, opts...)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

var params = core.Params{"market": "pjm", "location": "PJM-RTO"}

func TestFetchCachesWithinTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig("key-a")
	cfg.QueueWaitTimeout = 0
	up := &fakeUpstream{}
	p := newTestPipeline(t, cfg, up, WithClock(clock))
	ctx := context.Background()

	res, err := p.Fetch(ctx, "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, core.SourceUpstream, res.Source)
	require.JSONEq(t, `[{"lmp":42.5}]`, string(res.Data))

	clock.Advance(time.Minute)
	res, err = p.Fetch(ctx, "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, core.SourceCache, res.Source)
	require.EqualValues(t, 1, up.calls.Load())

	clock.Advance(5 * time.Minute)
	res, err = p.Fetch(ctx, "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, core.SourceUpstream, res.Source)
	require.EqualValues(t, 2, up.calls.Load())
}

func TestFetchServesStaleWhenRefreshFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig("key-a")
	cfg.QueueWaitTimeout = 0
	cfg.MaxAttempts = 1
	up := &fakeUpstream{}
	p := newTestPipeline(t, cfg, up, WithClock(clock))
	ctx := context.Background()

	_, err := p.Fetch(ctx, "dayahead_latest", params)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	up.set(func(core.Params, string) (json.RawMessage, error) {
		return nil, &core.UpstreamError{StatusCode: http.StatusBadGateway}
	})

	res, err := p.Fetch(ctx, "dayahead_latest", params)
	require.NoError(t, err)
	require.True(t, res.Stale())
	require.JSONEq(t, `[{"lmp":42.5}]`, string(res.Data))
	require.EqualValues(t, 1, p.CacheStats().StaleServed)
}

func TestConcurrentFetchesHitUpstreamOnce(t *testing.T) {
	up := &fakeUpstream{}
	p := newTestPipeline(t, testConfig("key-a", "key-b"), up)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := p.Fetch(context.Background(), "dayahead_latest", params)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, up.calls.Load())
	require.EqualValues(t, 20, p.QueueStats().Successful)
}

func TestFetchRateLimitCoolsCredential(t *testing.T) {
	up := &fakeUpstream{}
	up.set(func(_ core.Params, credential string) (json.RawMessage, error) {
		if credential == "key-a" {
			return nil, &core.UpstreamError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Minute}
		}
		return json.RawMessage(`[]`), nil
	})
	p := newTestPipeline(t, testConfig("key-a", "key-b"), up)

	res, err := p.Fetch(context.Background(), "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, core.SourceUpstream, res.Source)

	stats := p.PoolStats()
	require.Equal(t, 1, stats.RateLimited)
	require.NotNil(t, stats.Credentials[0].RateLimitedUntil)
	require.WithinDuration(t, time.Now().Add(5*time.Minute), *stats.Credentials[0].RateLimitedUntil, 5*time.Second)

	_, err = p.Fetch(context.Background(), "dayahead_latest", core.Params{"location": "WESTERN HUB"})
	require.NoError(t, err)
	require.Equal(t, []string{"key-a", "key-b", "key-b"}, up.keys)
}

func TestFetchWithoutCredentials(t *testing.T) {
	up := &fakeUpstream{}
	p := newTestPipeline(t, testConfig(), up)

	_, err := p.Fetch(context.Background(), "dayahead_latest", params)
	require.ErrorIs(t, err, core.ErrAllKeysExhausted)
	require.Equal(t, "POOL_EXHAUSTED", ErrorCode(err))
	require.Zero(t, up.calls.Load())
}

func TestFetchRetriesExhausted(t *testing.T) {
	up := &fakeUpstream{}
	up.set(func(core.Params, string) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	})
	p := newTestPipeline(t, testConfig("key-a"), up)

	_, err := p.Fetch(context.Background(), "dayahead_latest", params)
	require.ErrorIs(t, err, core.ErrRetriesExhausted)
	require.Equal(t, "RETRIES_EXHAUSTED", ErrorCode(err))
	require.EqualValues(t, 3, up.calls.Load())
}

func TestFetchUnknownEndpoint(t *testing.T) {
	p := newTestPipeline(t, testConfig("key-a"), &fakeUpstream{})
	_, err := p.Fetch(context.Background(), "nope", nil)
	require.ErrorIs(t, err, core.ErrUnknownEndpoint)
	require.Equal(t, []string{"dayahead_latest"}, p.Endpoints())
}

func TestPrepareRejectsBeforeAdmission(t *testing.T) {
	up := &fakeUpstream{}
	bad := &core.ValidationError{Field: "date", Message: "date must be YYYY-MM-DD"}
	p := newTestPipeline(t, testConfig("key-a"), up, WithPrepare(func(endpoint string, params core.Params) (core.Params, error) {
		if params.Get("date") == "soon" {
			return nil, bad
		}
		return core.Params{"market": params.Get("market")}, nil
	}))
	ctx := context.Background()

	_, err := p.Fetch(ctx, "dayahead_latest", core.Params{"date": "soon"})
	require.ErrorIs(t, err, bad)
	require.Equal(t, "BAD_REQUEST", ErrorCode(err))
	require.Zero(t, up.calls.Load())
	require.Zero(t, p.QueueStats().Total)
	require.Zero(t, p.PoolStats().Credentials[0].RequestCount)

	first, err := p.Fetch(ctx, "dayahead_latest", core.Params{"market": "pjm", "_": "1"})
	require.NoError(t, err)
	second, err := p.Fetch(ctx, "dayahead_latest", core.Params{"market": "pjm", "_": "2"})
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Equal(t, core.SourceCache, second.Source)
	require.EqualValues(t, 1, up.calls.Load())
}

func TestResetPoolReactivatesAndSwitchesStrategy(t *testing.T) {
	up := &fakeUpstream{}
	up.set(func(_ core.Params, credential string) (json.RawMessage, error) {
		if credential == "key-a" {
			return nil, &core.UpstreamError{StatusCode: http.StatusForbidden}
		}
		return json.RawMessage(`[]`), nil
	})
	p := newTestPipeline(t, testConfig("key-a", "key-b"), up)

	_, err := p.Fetch(context.Background(), "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, 1, p.PoolStats().Active)

	stats, err := p.ResetPool("least_used")
	require.NoError(t, err)
	require.Equal(t, keypool.LeastUsed, stats.Strategy)
	require.Equal(t, 2, stats.Active)

	stats, err = p.ResetPool("")
	require.NoError(t, err)
	require.Equal(t, keypool.LeastUsed, stats.Strategy)

	_, err = p.ResetPool("bogus")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestAdminOperationsAreIdempotent(t *testing.T) {
	p := newTestPipeline(t, testConfig("key-a", "key-b"), &fakeUpstream{})
	fresh := p.Stats()

	for i := 0; i < 2; i++ {
		_, err := p.ResetPool("")
		require.NoError(t, err)
		p.ClearCache()
		_, err = p.ClearQueue(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, fresh, p.Stats())
}

func TestClearCacheForcesRefetch(t *testing.T) {
	up := &fakeUpstream{}
	p := newTestPipeline(t, testConfig("key-a"), up)

	_, err := p.Fetch(context.Background(), "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, 1, p.CacheStats().Total)

	p.ClearCache()
	require.Equal(t, 0, p.CacheStats().Total)

	res, err := p.Fetch(context.Background(), "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, core.SourceUpstream, res.Source)
	require.EqualValues(t, 2, up.calls.Load())
}

func TestSnapshotsPersistAndWarmLoad(t *testing.T) {
	store := &memorySnapshots{}
	up := &fakeUpstream{}
	first := New(testConfig("key-a"), map[string]FetchFunc{"dayahead_latest": up.fetch}, WithSnapshotStore(store))

	_, err := first.Fetch(context.Background(), "dayahead_latest", params)
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	require.Len(t, store.snaps, 1)
	for _, snap := range store.snaps {
		require.Equal(t, "dayahead_latest", snap.Endpoint)
		require.Equal(t, params, snap.Params)
	}

	second := newTestPipeline(t, testConfig("key-a"), up, WithSnapshotStore(store))
	restored, err := second.WarmLoad(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	res, err := second.Fetch(context.Background(), "dayahead_latest", params)
	require.NoError(t, err)
	require.Equal(t, core.SourceCache, res.Source)
	require.EqualValues(t, 1, up.calls.Load())
}
