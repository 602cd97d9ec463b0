// Package retry wraps github.com/cenkalti/backoff/v4 for the control
// plane's narrow set of retryable operations: StoreError recovery on
// repository writes and transient substrate failures. Journal appends are
// never retried here — per spec, they must succeed or the caller halts.
package retry

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	alexerrors "github.com/odgrim/abathur-swarm/internal/errors"
)

// Config bounds an exponential-backoff retry loop.
type Config struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig mirrors the taxonomy's default shape: 3 retries, 1s→30s
// exponential backoff.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Do retries fn while it returns a transient error (internal/errors
// taxonomy), stopping immediately on a permanent error or ctx cancellation.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.InitialDelay
	expo.MaxInterval = cfg.MaxDelay
	var policy backoff.BackOff = backoff.WithMaxRetries(expo, cfg.MaxAttempts)
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !alexerrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
