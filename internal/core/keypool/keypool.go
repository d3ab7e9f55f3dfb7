// Package keypool rotates upstream API credentials and tracks their health.
//
// A credential is either active or permanently deactivated. Active credentials
// may additionally be cooling down after a rate-limit signal; they become
// selectable again once the cooldown deadline passes.
package keypool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/core"
)

// DefaultCooldown applies when a rate-limit signal carries no hint.
const DefaultCooldown = 90 * time.Second

// Strategy selects among available credentials.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	LeastUsed  Strategy = "least_used"
)

// ParseStrategy validates a strategy name. An empty name means round robin.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case "", RoundRobin:
		return RoundRobin, nil
	case Random:
		return Random, nil
	case LeastUsed:
		return LeastUsed, nil
	default:
		return "", fmt.Errorf("unknown pool strategy %q (want round_robin, random or least_used)", name)
	}
}

type credential struct {
	value            string
	lastUsed         time.Time
	requests         int64
	failures         int
	rateLimitedUntil time.Time
	active           bool
}

func (c *credential) coolingDown(now time.Time) bool {
	return !c.rateLimitedUntil.IsZero() && now.Before(c.rateLimitedUntil)
}

// Pool owns a fixed set of credentials. All state is guarded by one mutex.
type Pool struct {
	mu       sync.Mutex
	creds    []*credential
	byValue  map[string]*credential
	cursor   int
	strategy Strategy
	cooldown time.Duration
	clock    clockwork.Clock
	rng      *rand.Rand
	logger   *logging.Logger
}

// Option configures a Pool.
type Option func(*Pool)

func WithStrategy(s Strategy) Option {
	return func(p *Pool) {
		if s != "" {
			p.strategy = s
		}
	}
}

// WithCooldown sets the default cooldown, which also caps the wait in Select.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithRand makes random selection reproducible.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rng = r }
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New builds a pool. Blank and duplicate credentials are dropped; order is kept.
func New(credentials []string, opts ...Option) *Pool {
	p := &Pool{
		byValue:  make(map[string]*credential, len(credentials)),
		strategy: RoundRobin,
		cooldown: DefaultCooldown,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, raw := range credentials {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if _, dup := p.byValue[value]; dup {
			continue
		}
		c := &credential{value: value, active: true}
		p.creds = append(p.creds, c)
		p.byValue[value] = c
	}
	return p
}

// Strategy returns the configured selection strategy.
func (p *Pool) Strategy() Strategy {
	return p.strategy
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.creds)
}

// Select returns a usable credential. When every active credential is cooling
// down it waits once for the earliest deadline, capped at the cooldown, and
// fails with core.ErrPoolExhausted if nothing became usable.
func (p *Pool) Select(ctx context.Context) (string, error) {
	p.mu.Lock()
	if c := p.pickLocked(); c != nil {
		p.mu.Unlock()
		return c.value, nil
	}
	wait, ok := p.nextDeadlineLocked()
	p.mu.Unlock()

	if !ok {
		return "", core.ErrPoolExhausted
	}
	if wait > p.cooldown {
		wait = p.cooldown
	}

	p.debug("All credentials cooling down, waiting", zap.Duration("wait", wait))
	select {
	case <-p.clock.After(wait):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.pickLocked(); c != nil {
		return c.value, nil
	}
	return "", core.ErrPoolExhausted
}

// pickLocked clears elapsed cooldowns, applies the strategy and records usage.
func (p *Pool) pickLocked() *credential {
	now := p.clock.Now()

	available := make([]*credential, 0, len(p.creds))
	for _, c := range p.creds {
		if !c.active {
			continue
		}
		if !c.rateLimitedUntil.IsZero() && !now.Before(c.rateLimitedUntil) {
			c.rateLimitedUntil = time.Time{}
			c.failures = 0
		}
		if c.rateLimitedUntil.IsZero() {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		return nil
	}

	var chosen *credential
	switch p.strategy {
	case Random:
		if p.rng != nil {
			chosen = available[p.rng.IntN(len(available))]
		} else {
			chosen = available[rand.IntN(len(available))]
		}
	case LeastUsed:
		chosen = available[0]
		for _, c := range available[1:] {
			if c.requests < chosen.requests {
				chosen = c
			}
		}
	default:
		n := len(p.creds)
		for i := 0; i < n && chosen == nil; i++ {
			c := p.creds[p.cursor]
			p.cursor = (p.cursor + 1) % n
			if c.active && c.rateLimitedUntil.IsZero() {
				chosen = c
			}
		}
	}

	chosen.requests++
	chosen.lastUsed = now
	p.debug("Selected credential",
		zap.String("credential", core.CredentialPreview(chosen.value)),
		zap.String("strategy", string(p.strategy)),
		zap.Int64("request_count", chosen.requests))
	return chosen
}

// nextDeadlineLocked reports the shortest remaining cooldown among active
// credentials. ok is false when no credential is active.
func (p *Pool) nextDeadlineLocked() (time.Duration, bool) {
	now := p.clock.Now()
	var (
		best  time.Duration
		found bool
	)
	for _, c := range p.creds {
		if !c.active || !c.coolingDown(now) {
			continue
		}
		remaining := c.rateLimitedUntil.Sub(now)
		if !found || remaining < best {
			best = remaining
			found = true
		}
	}
	return best, found
}

// ReportRateLimited puts a credential into cooldown for hint, or the default
// cooldown when hint is zero.
func (p *Pool) ReportRateLimited(credential string, hint time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byValue[credential]
	if !ok {
		return
	}
	if hint <= 0 {
		hint = p.cooldown
	}
	c.rateLimitedUntil = p.clock.Now().Add(hint)
	c.failures++

	p.warn("Credential rate limited",
		zap.String("credential", core.CredentialPreview(c.value)),
		zap.Duration("cooldown", hint),
		zap.Int("failure_count", c.failures))
}

// ReportHardFailure deactivates a credential until the pool is replaced.
func (p *Pool) ReportHardFailure(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byValue[credential]
	if !ok || !c.active {
		return
	}
	c.active = false
	c.failures++

	p.warn("Credential deactivated",
		zap.String("credential", core.CredentialPreview(c.value)))
}

// ReportSuccess resets the failure counter.
func (p *Pool) ReportSuccess(credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.byValue[credential]; ok {
		c.failures = 0
	}
}

func (p *Pool) debug(msg string, fields ...zap.Field) {
	if p.logger != nil {
		p.logger.Debug(msg, fields...)
	}
}

func (p *Pool) warn(msg string, fields ...zap.Field) {
	if p.logger != nil {
		p.logger.Warn(msg, fields...)
	}
}
