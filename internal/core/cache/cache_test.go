package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gridlane/gridlane/internal/core"
)

func newTestCache(clock clockwork.Clock, opts ...Option[string]) *Cache[string] {
	opts = append([]Option[string]{WithClock[string](clock)}, opts...)
	return New[string](5*time.Minute, opts...)
}

func TestGetFreshnessIsLazy(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCache(clock)

	_, fresh := c.Get("k")
	require.False(t, fresh)

	c.Set("k", "v1")
	v, fresh := c.Get("k")
	require.True(t, fresh)
	require.Equal(t, "v1", v)

	clock.Advance(5 * time.Minute)
	v, fresh = c.Get("k")
	require.False(t, fresh)
	require.Equal(t, "v1", v, "stale values are still returned")

	stats := c.Stats()
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 0, stats.Fresh)
	require.Equal(t, 1, stats.Expired)
	require.Equal(t, 300.0, stats.TTLSeconds)
}

func TestGuardRefreshesAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCache(clock)
	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "value", nil
	}

	_, src, err := c.Guard(context.Background(), "k", compute)
	require.NoError(t, err)
	require.Equal(t, core.SourceUpstream, src)

	clock.Advance(time.Minute)
	_, src, err = c.Guard(context.Background(), "k", compute)
	require.NoError(t, err)
	require.Equal(t, core.SourceCache, src)
	require.Equal(t, 1, calls)

	clock.Advance(5 * time.Minute)
	_, src, err = c.Guard(context.Background(), "k", compute)
	require.NoError(t, err)
	require.Equal(t, core.SourceUpstream, src)
	require.Equal(t, 2, calls)
}

func TestGuardCollapsesConcurrentMisses(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock())

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			v, _, err := c.Guard(context.Background(), "k", compute)
			if err == nil && v != "value" {
				return errors.New("unexpected value " + v)
			}
			return err
		})
	}
	close(release)
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, calls.Load())

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 24, stats.Hits)
}

func TestGuardDistinctKeysDoNotBlockEachOther(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock())

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = c.Guard(context.Background(), "slow", func(ctx context.Context) (string, error) {
			close(started)
			<-block
			return "slow", nil
		})
	}()
	<-started

	v, _, err := c.Guard(context.Background(), "fast", func(ctx context.Context) (string, error) {
		return "fast", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fast", v)
	close(block)
}

func TestGuardServesStaleOnError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCache(clock)
	c.Set("k", "old")

	clock.Advance(6 * time.Minute)
	v, src, err := c.Guard(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", errors.New("upstream down")
	})
	require.NoError(t, err)
	require.Equal(t, "old", v)
	require.Equal(t, core.SourceStale, src)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.StaleServed)
	require.EqualValues(t, 1, stats.FillErrors)
}

func TestGuardPropagatesErrorWithoutStale(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock())
	boom := errors.New("upstream down")

	_, _, err := c.Guard(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
}

func TestGuardHonorsContextWhileWaiting(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock())

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = c.Guard(context.Background(), "k", func(ctx context.Context) (string, error) {
			close(started)
			<-block
			return "v", nil
		})
	}()
	<-started
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Guard(ctx, "k", func(ctx context.Context) (string, error) {
		return "never", nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClearResetsEntriesAndCounters(t *testing.T) {
	c := newTestCache(clockwork.NewFakeClock())
	_, _, err := c.Guard(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "v", nil
	})
	require.NoError(t, err)

	c.Clear()
	c.Clear()
	require.Equal(t, Stats{TTLSeconds: 300}, c.Stats())
}

func TestRestoreKeepsNewerEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCache(clock)

	c.Set("k", "live")
	require.False(t, c.Restore("k", "persisted", clock.Now().Add(-time.Minute)))
	v, _ := c.Get("k")
	require.Equal(t, "live", v)

	require.True(t, c.Restore("other", "persisted", clock.Now().Add(-10*time.Minute)))
	v, fresh, ok := c.Lookup("other")
	require.True(t, ok)
	require.False(t, fresh)
	require.Equal(t, "persisted", v)
}

func TestOnStoreHook(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var stored []string
	c := newTestCache(clock, WithOnStore(func(key string, value string, at time.Time) {
		stored = append(stored, key+"="+value)
		require.Equal(t, clock.Now(), at)
	}))

	c.Set("a", "1")
	c.Restore("b", "2", clock.Now())
	require.Equal(t, []string{"a=1"}, stored)
}
