package memory

import (
	"context"
	"errors"

	"nexus-assistant/internal/reliability"
)

// Toucher records that memories were surfaced.
type Toucher interface {
	Touch(ctx context.Context, ids []int64) error
}

// UsageTracker updates usage statistics for memories surfaced in a turn.
type UsageTracker struct {
	store Toucher
	retry reliability.Policy
}

// NewUsageTracker creates a UsageTracker.
func NewUsageTracker(store Toucher, retry reliability.Policy) (*UsageTracker, error) {
	if store == nil {
		return nil, errors.New("memory: toucher must not be nil")
	}
	if retry.Attempts <= 0 {
		retry = reliability.DefaultPolicy
	}
	return &UsageTracker{store: store, retry: retry}, nil
}

// RecordUsage touches every id once. An empty list is a no-op. A retry after
// a lost acknowledgement can count a use twice; use counts only rank.
func (u *UsageTracker) RecordUsage(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return reliability.Retry(ctx, u.retry, func(ctx context.Context) error {
		return u.store.Touch(ctx, ids)
	})
}
