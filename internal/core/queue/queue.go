// Package queue funnels calls through a single worker with a minimum spacing
// between execution start times.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/gridlane/gridlane/internal/core"
)

const (
	DefaultInterval    = 2500 * time.Millisecond
	DefaultWaitTimeout = 60 * time.Second
)

// Func is a queued operation.
type Func func(ctx context.Context) (any, error)

type call struct {
	fn         Func
	ctx        context.Context
	done       chan struct{}
	result     any
	err        error
	enqueuedAt time.Time
}

func (c *call) finish(result any, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// Queue is a FIFO backlog drained by one worker.
type Queue struct {
	mu      sync.Mutex
	backlog []*call
	notify  chan struct{}
	running bool
	stop    chan struct{}
	exited  chan struct{}

	// pacer and lastStart outlive worker restarts so spacing holds across
	// Reset. lastStart is only touched by the worker, and workers run one
	// after another.
	pacer       *rate.Limiter
	lastStart   time.Time
	interval    time.Duration
	waitTimeout time.Duration
	clock       clockwork.Clock
	logger      *logging.Logger

	statsMu       sync.Mutex
	total         int64
	successful    int64
	failed        int64
	timeouts      int64
	lastProcessed time.Time
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithWaitTimeout bounds how long Do waits for its turn. Zero disables the bound.
func WithWaitTimeout(d time.Duration) Option {
	return func(q *Queue) { q.waitTimeout = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a stopped queue; the worker starts on first use.
func New(interval time.Duration, opts ...Option) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	q := &Queue{
		notify:      make(chan struct{}, 1),
		pacer:       rate.NewLimiter(rate.Every(interval), 1),
		interval:    interval,
		waitTimeout: DefaultWaitTimeout,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Interval returns the minimum spacing between execution starts.
func (q *Queue) Interval() time.Duration {
	return q.interval
}

// Do enqueues fn and blocks until it has run, the wait timeout elapses or ctx
// is done. fn runs with a context detached from ctx's cancellation, so a
// call abandoned by its caller still executes and its result is dropped.
func (q *Queue) Do(ctx context.Context, fn Func) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &call{
		fn:         fn,
		ctx:        context.WithoutCancel(ctx),
		done:       make(chan struct{}),
		enqueuedAt: q.clock.Now(),
	}
	q.enqueue(c)

	var timeout <-chan time.Time
	if q.waitTimeout > 0 {
		timer := q.clock.NewTimer(q.waitTimeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case <-c.done:
		return c.result, c.err
	case <-timeout:
		q.statsMu.Lock()
		q.timeouts++
		q.statsMu.Unlock()
		q.warn("Queued call timed out", zap.Duration("wait_timeout", q.waitTimeout))
		return nil, fmt.Errorf("%w after %s", core.ErrQueueTimeout, q.waitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit is a typed wrapper around Do.
func Submit[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	res, err := q.Do(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}

func (q *Queue) enqueue(c *call) {
	q.mu.Lock()
	q.backlog = append(q.backlog, c)
	if !q.running {
		q.startLocked()
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start launches the worker if it is not running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		q.startLocked()
	}
}

func (q *Queue) startLocked() {
	prev := q.exited
	q.stop = make(chan struct{})
	q.exited = make(chan struct{})
	q.running = true
	go q.run(prev, q.stop, q.exited)
}

// Stop asks the worker to exit after its current call and waits for it.
// Backlogged calls stay queued for the next Start.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	close(q.stop)
	q.running = false
	exited := q.exited
	q.mu.Unlock()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset stops the worker, fails every backlogged call with
// core.ErrQueueCleared, zeroes the statistics and restarts the worker if it
// was running.
func (q *Queue) Reset(ctx context.Context) error {
	q.mu.Lock()
	wasRunning := q.running
	q.mu.Unlock()

	if err := q.Stop(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	discarded := q.backlog
	q.backlog = nil
	q.mu.Unlock()

	q.statsMu.Lock()
	q.total, q.successful, q.failed, q.timeouts = 0, 0, 0, 0
	q.lastProcessed = time.Time{}
	q.statsMu.Unlock()

	for _, c := range discarded {
		c.finish(nil, core.ErrQueueCleared)
	}
	if len(discarded) > 0 {
		q.warn("Queue cleared", zap.Int("discarded", len(discarded)))
	}

	if wasRunning {
		q.Start()
	}
	return nil
}

func (q *Queue) run(prev <-chan struct{}, stop <-chan struct{}, exited chan struct{}) {
	defer close(exited)

	// A previous worker may still be finishing a call after a timed-out Stop.
	if prev != nil {
		select {
		case <-prev:
		case <-stop:
			return
		}
	}

	for {
		if !q.waitForWork(stop) {
			return
		}

		now := q.clock.Now()
		r := q.pacer.ReserveN(now, 1)
		if delay := q.spacing(r, now); delay > 0 {
			select {
			case <-q.clock.After(delay):
			case <-stop:
				r.CancelAt(q.clock.Now())
				return
			}
		}

		c := q.pop()
		if c == nil {
			r.CancelAt(q.clock.Now())
			continue
		}
		q.execute(c)
	}
}

// spacing returns how long to wait before the next start. rate.Every
// round-trips the interval through a float rate, so the reservation alone can
// come up a nanosecond short of the interval.
func (q *Queue) spacing(r *rate.Reservation, now time.Time) time.Duration {
	delay := r.DelayFrom(now)
	if q.lastStart.IsZero() {
		return delay
	}
	if gap := q.lastStart.Add(q.interval).Sub(now); gap > delay {
		return gap
	}
	return delay
}

// waitForWork blocks until the backlog is non-empty. It returns false when
// the worker should exit.
func (q *Queue) waitForWork(stop <-chan struct{}) bool {
	for {
		select {
		case <-stop:
			return false
		default:
		}

		q.mu.Lock()
		pending := len(q.backlog)
		q.mu.Unlock()
		if pending > 0 {
			return true
		}

		select {
		case <-q.notify:
		case <-stop:
			return false
		}
	}
}

func (q *Queue) pop() *call {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return nil
	}
	c := q.backlog[0]
	q.backlog[0] = nil
	q.backlog = q.backlog[1:]
	return c
}

func (q *Queue) execute(c *call) {
	started := q.clock.Now()
	q.lastStart = started
	q.debug("Dispatching queued call", zap.Duration("queued_for", started.Sub(c.enqueuedAt)))

	result, err := q.invoke(c)

	q.statsMu.Lock()
	q.total++
	if err != nil {
		q.failed++
	} else {
		q.successful++
	}
	q.lastProcessed = q.clock.Now()
	q.statsMu.Unlock()

	c.finish(result, err)
}

func (q *Queue) invoke(c *call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued call panicked: %v", r)
		}
	}()
	return c.fn(c.ctx)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Total              int64      `json:"total" yaml:"total"`
	Successful         int64      `json:"successful" yaml:"successful"`
	Failed             int64      `json:"failed" yaml:"failed"`
	Timeouts           int64      `json:"timeouts" yaml:"timeouts"`
	Backlog            int        `json:"backlog" yaml:"backlog"`
	Running            bool       `json:"running" yaml:"running"`
	LastProcessed      *time.Time `json:"last_processed,omitempty" yaml:"last_processed,omitempty"`
	IntervalSeconds    float64    `json:"interval_seconds" yaml:"interval_seconds"`
	WaitTimeoutSeconds float64    `json:"wait_timeout_seconds" yaml:"wait_timeout_seconds"`
}

// Stats returns the running counters and current backlog depth.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	backlog := len(q.backlog)
	running := q.running
	q.mu.Unlock()

	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	stats := Stats{
		Total:              q.total,
		Successful:         q.successful,
		Failed:             q.failed,
		Timeouts:           q.timeouts,
		Backlog:            backlog,
		Running:            running,
		IntervalSeconds:    q.interval.Seconds(),
		WaitTimeoutSeconds: q.waitTimeout.Seconds(),
	}
	if !q.lastProcessed.IsZero() {
		last := q.lastProcessed
		stats.LastProcessed = &last
	}
	return stats
}

func (q *Queue) debug(msg string, fields ...zap.Field) {
	if q.logger != nil {
		q.logger.Debug(msg, fields...)
	}
}

func (q *Queue) warn(msg string, fields ...zap.Field) {
	if q.logger != nil {
		q.logger.Warn(msg, fields...)
	}
}
