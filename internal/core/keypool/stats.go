package keypool

import (
	"time"

	"github.com/gridlane/gridlane/internal/core"
)

// Stats is a point-in-time view of the pool.
type Stats struct {
	Strategy        Strategy          `json:"strategy" yaml:"strategy"`
	Total           int               `json:"total" yaml:"total"`
	Active          int               `json:"active" yaml:"active"`
	Available       int               `json:"available" yaml:"available"`
	RateLimited     int               `json:"rate_limited" yaml:"rate_limited"`
	CooldownSeconds float64           `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	Credentials     []CredentialStats `json:"credentials" yaml:"credentials"`
}

// CredentialStats describes one credential. The secret is never exposed.
type CredentialStats struct {
	Preview          string     `json:"preview" yaml:"preview"`
	Active           bool       `json:"active" yaml:"active"`
	RequestCount     int64      `json:"request_count" yaml:"request_count"`
	FailureCount     int        `json:"failure_count" yaml:"failure_count"`
	LastUsed         *time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty" yaml:"rate_limited_until,omitempty"`
}

// Stats returns counters and per-credential usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	stats := Stats{
		Strategy:        p.strategy,
		Total:           len(p.creds),
		CooldownSeconds: p.cooldown.Seconds(),
		Credentials:     make([]CredentialStats, 0, len(p.creds)),
	}

	for _, c := range p.creds {
		cs := CredentialStats{
			Preview:      core.CredentialPreview(c.value),
			Active:       c.active,
			RequestCount: c.requests,
			FailureCount: c.failures,
		}
		if !c.lastUsed.IsZero() {
			lastUsed := c.lastUsed
			cs.LastUsed = &lastUsed
		}

		if c.active {
			stats.Active++
			if c.coolingDown(now) {
				stats.RateLimited++
				until := c.rateLimitedUntil
				cs.RateLimitedUntil = &until
			} else {
				stats.Available++
			}
		}
		stats.Credentials = append(stats.Credentials, cs)
	}
	return stats
}
