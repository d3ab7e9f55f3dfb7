// Package retry runs an upstream call with credential rotation and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/core"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

// Selector is the part of the credential pool the retry loop needs.
type Selector interface {
	Select(ctx context.Context) (string, error)
	ReportSuccess(credential string)
	ReportRateLimited(credential string, hint time.Duration)
	ReportHardFailure(credential string)
}

// Op performs one upstream call with the given credential.
type Op func(ctx context.Context, credential string) error

// Rotator retries an Op across credentials.
type Rotator struct {
	MaxAttempts int
	BackoffBase time.Duration
	Clock       clockwork.Clock
	Logger      *logging.Logger
}

// Outcome records what happened during Do, for metrics and logs.
type Outcome struct {
	Attempts     int
	RateLimited  int
	Deactivated  int
	Credential   string
	AcquiredAny  bool
	LastErrorMsg string
}

type state int

const (
	stateAcquire state = iota
	stateInvoke
	stateClassify
	stateBackoff
	stateDone
)

// Do runs op until it succeeds or the attempt ceiling is reached.
//
// Rate-limited failures put the credential into cooldown, invalid credential
// failures deactivate it, and any other failure is retried without penalty.
// Validation errors and context cancellation end the loop immediately.
func (r *Rotator) Do(ctx context.Context, pool Selector, op Op) (Outcome, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var (
		out        Outcome
		attempt    int
		credential string
		lastErr    error
		poolErr    error
		fatal      error
		st         = stateAcquire
	)

	for st != stateDone {
		switch st {
		case stateAcquire:
			out.Attempts = attempt + 1
			key, err := pool.Select(ctx)
			if err != nil {
				if ctx.Err() != nil {
					fatal = ctx.Err()
					st = stateDone
					continue
				}
				poolErr = err
				lastErr = err
				st = stateBackoff
				continue
			}
			credential = key
			out.AcquiredAny = true
			out.Credential = core.CredentialPreview(key)
			st = stateInvoke

		case stateInvoke:
			err := op(ctx, credential)
			if err == nil {
				pool.ReportSuccess(credential)
				return out, nil
			}
			lastErr = err
			st = stateClassify

		case stateClassify:
			var verr *core.ValidationError
			if errors.As(lastErr, &verr) {
				fatal = lastErr
				st = stateDone
				continue
			}
			if ctx.Err() != nil {
				fatal = ctx.Err()
				st = stateDone
				continue
			}

			kind, hint := core.Classify(lastErr)
			switch kind {
			case core.KindRateLimited:
				out.RateLimited++
				pool.ReportRateLimited(credential, hint)
			case core.KindInvalidCredential:
				out.Deactivated++
				pool.ReportHardFailure(credential)
			}
			r.warn("Upstream attempt failed",
				zap.Int("attempt", attempt+1),
				zap.String("credential", core.CredentialPreview(credential)),
				zap.String("kind", kind.String()),
				zap.Error(lastErr))
			st = stateBackoff

		case stateBackoff:
			attempt++
			if attempt >= maxAttempts {
				st = stateDone
				continue
			}
			if err := r.sleep(ctx, r.backoff(attempt-1)); err != nil {
				fatal = err
				st = stateDone
				continue
			}
			st = stateAcquire
		}
	}

	if fatal != nil {
		return out, fatal
	}
	if lastErr != nil {
		out.LastErrorMsg = lastErr.Error()
	}
	if !out.AcquiredAny {
		return out, fmt.Errorf("%w: %w", core.ErrAllKeysExhausted, poolErr)
	}
	return out, fmt.Errorf("%w after %d attempts: %w", core.ErrRetriesExhausted, maxAttempts, lastErr)
}

// backoff returns base * 2^attempt.
func (r *Rotator) backoff(attempt int) time.Duration {
	base := r.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return base << attempt
}

func (r *Rotator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	clock := r.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	select {
	case <-clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Rotator) warn(msg string, fields ...zap.Field) {
	if r.Logger != nil {
		r.Logger.Warn(msg, fields...)
	}
}
