package runtime

import (
	"context"
	"time"

	"phoenix/internal/logger"
)

// Option configures a Controller
type Option func(*Controller)

// WithWatchInterval sets how often configuration versions are compared
func WithWatchInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.watchInterval = d
		}
	}
}

// WithHaltPollInterval sets how often a halted watcher checks whether the
// restart it requested has finished
func WithHaltPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.haltPollInterval = d
		}
	}
}

// WithEpochInterval sets the heartbeat period
func WithEpochInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.epochInterval = d
		}
	}
}

// WithMaxUnhandledErrors sets the circuit breaker limit
func WithMaxUnhandledErrors(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxUnhandled = n
		}
	}
}

// WithSleep replaces the wait used for periodic_sleep
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLoggerFactory replaces the builder for the document-configured logger
func WithLoggerFactory(factory func(logger.Settings) (*logger.Logger, error)) Option {
	return func(c *Controller) {
		if factory != nil {
			c.loggerFactory = factory
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
