package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // delay before the first retry
	MaxBackoff     time.Duration // cap on a single delay
	Multiplier     float64       // exponential growth factor

	// Retryable decides whether an error is worth another attempt.
	// nil means IsRetryable.
	Retryable func(error) bool

	// OnRetry is called before each delay
	OnRetry func(err error, delay time.Duration)
}

// DefaultConfig returns the defaults used for idempotent broker reads
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the retries
// are used up or ctx is done
func Do[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries + 1)),
		backoff.WithMaxElapsedTime(0),
	}
	if cfg.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(cfg.OnRetry))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// temporary is implemented by errors that know whether a retry may help
type temporary interface {
	Temporary() bool
}

// IsRetryable treats transport failures and errors reporting themselves as
// temporary as retryable. Context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}
