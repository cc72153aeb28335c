package reliability

import (
	"context"
	"errors"
	"time"

	"nexus-assistant/internal/domain"
)

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// IsTransient reports whether err is a store failure worth retrying.
func IsTransient(err error) bool {
	var storeErr *domain.TransientStoreError
	return errors.As(err, &storeErr)
}

// Policy bounds how often and how fast a store operation is retried.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// DefaultPolicy retries three times starting at 50ms.
var DefaultPolicy = Policy{Attempts: 3, Base: 50 * time.Millisecond, Cap: time.Second}

// Retry runs fn until it succeeds, returns a non-transient error, the attempts
// are exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt == attempts-1 {
			return err
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
