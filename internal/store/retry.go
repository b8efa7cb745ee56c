package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anji4cp/streamnexus/internal/stream"
)

// DefaultStatusAttempts bounds status writes when the caller passes attempts <= 0.
const DefaultStatusAttempts = 3

// Retry runs fn up to attempts times with a short exponential backoff.
// stream.ErrNotFound and context errors are not retried.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultStatusAttempts
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, stream.ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// RetryStatus writes a stream status with bounded retries.
func RetryStatus(ctx context.Context, s Streams, attempts int, id string, u StatusUpdate) error {
	return Retry(ctx, attempts, func(ctx context.Context) error {
		return s.SetStatus(ctx, id, u)
	})
}
