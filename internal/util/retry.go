package util

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults for outbound calls.
const (
	DefaultRetryAttempts        = 3
	DefaultRetryInitialInterval = 1 * time.Second
)

// RetryOpts configures Retry.
type RetryOpts struct {
	Attempts        int
	InitialInterval time.Duration
}

// RetryOption defines a configuration option for Retry.
type RetryOption func(*RetryOpts)

// WithAttempts sets the total number of attempts, including the first.
func WithAttempts(n int) RetryOption {
	return func(o *RetryOpts) {
		o.Attempts = n
	}
}

// WithInitialInterval sets the delay before the second attempt; it doubles after that.
func WithInitialInterval(d time.Duration) RetryOption {
	return func(o *RetryOpts) {
		o.InitialInterval = d
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry calls op until it succeeds, returns a Permanent error, the attempts
// run out or ctx is done. The last error is returned unwrapped.
func Retry(ctx context.Context, name string, op func() error, opts ...RetryOption) error {
	cfg := RetryOpts{Attempts: DefaultRetryAttempts, InitialInterval: DefaultRetryInitialInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	attempt := 0
	notify := func(err error, wait time.Duration) {
		slog.Warn("Retry: attempt failed, retrying", "operation", name, "attempt", attempt, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.Attempts-1)), ctx), notify)
}
