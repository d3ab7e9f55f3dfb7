package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gridlane/gridlane/internal/core"
)

func TestDoReturnsResultAndError(t *testing.T) {
	q := New(time.Millisecond)
	defer func() { _ = q.Stop(context.Background()) }()

	res, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, res)

	boom := errors.New("boom")
	_, err = q.Do(context.Background(), func(ctx context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	stats := q.Stats()
	require.EqualValues(t, 2, stats.Total)
	require.EqualValues(t, 1, stats.Successful)
	require.EqualValues(t, 1, stats.Failed)
	require.NotNil(t, stats.LastProcessed)
	require.True(t, stats.Running)
}

func TestSubmitIsTyped(t *testing.T) {
	q := New(time.Millisecond)
	defer func() { _ = q.Stop(context.Background()) }()

	got, err := Submit(context.Background(), q, func(ctx context.Context) (string, error) {
		return "typed", nil
	})
	require.NoError(t, err)
	require.Equal(t, "typed", got)
}

func TestSpacingBetweenExecutionStarts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	interval := 2 * time.Second
	q := New(interval, WithClock(clock), WithWaitTimeout(0))
	defer func() { _ = q.Stop(context.Background()) }()

	starts := make(chan time.Time, 10)
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
				starts <- clock.Now()
				return nil, nil
			})
			return err
		})
	}

	var times []time.Time
	for i := 0; i < 10; i++ {
		if i > 0 {
			clock.BlockUntil(1)
			clock.Advance(interval)
		}
		times = append(times, <-starts)
	}
	require.NoError(t, g.Wait())

	for i := 1; i < len(times); i++ {
		require.GreaterOrEqual(t, times[i].Sub(times[i-1]), interval)
	}
	require.GreaterOrEqual(t, times[9].Sub(times[0]), 18*time.Second)
}

func TestSpacingNeverFallsShortOfInterval(t *testing.T) {
	for _, interval := range []time.Duration{55 * time.Millisecond, 95 * time.Millisecond, 110 * time.Millisecond} {
		t.Run(interval.String(), func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			q := New(interval, WithClock(clock), WithWaitTimeout(0))
			defer func() { _ = q.Stop(context.Background()) }()

			first := clock.Now()
			_, err := q.Do(context.Background(), func(ctx context.Context) (any, error) { return nil, nil })
			require.NoError(t, err)

			started := make(chan time.Time, 1)
			errCh := make(chan error, 1)
			go func() {
				_, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
					started <- clock.Now()
					return nil, nil
				})
				errCh <- err
			}()

			clock.BlockUntil(1)
			clock.Advance(interval - time.Nanosecond)
			select {
			case at := <-started:
				t.Fatalf("second call started after %v, interval %v", at.Sub(first), interval)
			case <-time.After(50 * time.Millisecond):
			}

			clock.Advance(time.Nanosecond)
			select {
			case at := <-started:
				require.GreaterOrEqual(t, at.Sub(first), interval)
			case <-time.After(2 * time.Second):
				t.Fatal("second call did not start once the interval elapsed")
			}
			require.NoError(t, <-errCh)
		})
	}
}

func TestExecutesInFIFOOrder(t *testing.T) {
	q := New(time.Millisecond, WithWaitTimeout(0))
	defer func() { _ = q.Stop(context.Background()) }()

	release := make(chan struct{})
	first := make(chan struct{})
	go func() {
		_, _ = q.Do(context.Background(), func(ctx context.Context) (any, error) {
			close(first)
			<-release
			return nil, nil
		})
	}()
	<-first

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Do(context.Background(), func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		// wait for this submission to land before the next one
		for q.Stats().Backlog < i+1 {
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDoTimesOutButCallStillRuns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	q := New(time.Second, WithClock(clock), WithWaitTimeout(time.Minute))
	defer func() { _ = q.Stop(context.Background()) }()

	block := make(chan struct{})
	started := make(chan struct{})
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = q.Do(firstCtx, func(ctx context.Context) (any, error) {
			close(started)
			<-block
			return nil, nil
		})
	}()
	<-started
	cancelFirst()
	<-firstDone

	ran := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
			close(ran)
			return nil, nil
		})
		errCh <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.ErrorIs(t, <-errCh, core.ErrQueueTimeout)
	require.EqualValues(t, 1, q.Stats().Timeouts)

	close(block)
	<-ran
}

func TestDoHonorsCallerContext(t *testing.T) {
	q := New(time.Millisecond)
	defer func() { _ = q.Stop(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecutionContextIsDetached(t *testing.T) {
	q := New(time.Millisecond)
	defer func() { _ = q.Stop(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := q.Do(ctx, func(runCtx context.Context) (any, error) {
		return runCtx.Done() == nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, true, res)
}

func TestPanicBecomesError(t *testing.T) {
	q := New(time.Millisecond)
	defer func() { _ = q.Stop(context.Background()) }()

	_, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	require.ErrorContains(t, err, "kaboom")
	require.EqualValues(t, 1, q.Stats().Failed)
}

func TestResetDiscardsBacklogAndStats(t *testing.T) {
	q := New(time.Millisecond, WithWaitTimeout(0))
	defer func() { _ = q.Stop(context.Background()) }()

	block := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
			close(started)
			<-block
			return nil, nil
		})
		firstDone <- err
	}()
	<-started

	pendingDone := make(chan error, 1)
	go func() {
		_, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
			return "never", nil
		})
		pendingDone <- err
	}()
	for q.Stats().Backlog < 1 {
		time.Sleep(time.Millisecond)
	}

	resetDone := make(chan error, 1)
	go func() { resetDone <- q.Reset(context.Background()) }()
	for q.Stats().Running {
		time.Sleep(time.Millisecond)
	}

	// in-flight call completes against the running worker
	close(block)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-resetDone)
	require.ErrorIs(t, <-pendingDone, core.ErrQueueCleared)

	stats := q.Stats()
	require.Zero(t, stats.Total)
	require.Zero(t, stats.Backlog)
	require.Nil(t, stats.LastProcessed)
	require.True(t, stats.Running)

	res, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "after", nil
	})
	require.NoError(t, err)
	require.Equal(t, "after", res)
}

func TestResetIsIdempotentWhenIdle(t *testing.T) {
	q := New(time.Second)
	fresh := q.Stats()

	require.NoError(t, q.Reset(context.Background()))
	require.NoError(t, q.Reset(context.Background()))
	require.Equal(t, fresh, q.Stats())
}

func TestStopKeepsBacklogForRestart(t *testing.T) {
	q := New(time.Millisecond, WithWaitTimeout(0))
	q.Start()
	require.NoError(t, q.Stop(context.Background()))
	require.False(t, q.Stats().Running)

	res, err := q.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "auto", nil
	})
	require.NoError(t, err)
	require.Equal(t, "auto", res)
	require.NoError(t, q.Stop(context.Background()))
}
