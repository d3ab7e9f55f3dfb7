package handlers

import (
	"context"
	"errors"
	"fmt"
)

// queueBacklogWarn is the backlog depth at which the queue reports degraded.
const queueBacklogWarn = 100

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// PoolChecker is unhealthy when no credential is active and degraded while
// every active credential is cooling down.
func PoolChecker(service DataService) HealthChecker {
	return CheckerFunc(func(context.Context) error {
		stats := service.PoolStats()
		if stats.Active == 0 {
			return errors.New("no active credentials")
		}
		if stats.Available == 0 {
			return fmt.Errorf("%w: all %d credentials rate limited", ErrDegraded, stats.Active)
		}
		return nil
	})
}

// QueueChecker reports degraded when the backlog grows past queueBacklogWarn.
func QueueChecker(service DataService) HealthChecker {
	return CheckerFunc(func(context.Context) error {
		stats := service.QueueStats()
		if stats.Backlog >= queueBacklogWarn {
			return fmt.Errorf("%w: queue backlog %d", ErrDegraded, stats.Backlog)
		}
		return nil
	})
}

// Pinger is implemented by the snapshot store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker is degraded when the store cannot be reached. The cache keeps
// serving without persistence, so a store outage never fails the service.
func StoreChecker(store Pinger) HealthChecker {
	return CheckerFunc(func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrDegraded, err)
		}
		return nil
	})
}
