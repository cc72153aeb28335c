package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus-assistant/internal/domain"
)

type flakyToucher struct {
	calls int
	fails int
	err   error
}

func (f *flakyToucher) Touch(_ context.Context, _ []int64) error {
	f.calls++
	if f.fails > 0 {
		f.fails--
		return f.err
	}
	return nil
}

func TestRecordUsage_EmptyIsNoOp(t *testing.T) {
	store := newFakeFactStore(rankNow)
	u, err := NewUsageTracker(store, fastRetry)
	require.NoError(t, err)

	require.NoError(t, u.RecordUsage(context.Background(), nil))
	require.NoError(t, u.RecordUsage(context.Background(), []int64{}))
	require.Empty(t, store.touched)
}

func TestRecordUsage_EachCallCounts(t *testing.T) {
	store := newFakeFactStore(rankNow)
	store.seed(domain.Memory{ID: 1, UserID: "u1", Text: "User is building Nexus", Score: 1})
	u, err := NewUsageTracker(store, fastRetry)
	require.NoError(t, err)

	require.NoError(t, u.RecordUsage(context.Background(), []int64{1}))
	require.NoError(t, u.RecordUsage(context.Background(), []int64{1}))
	require.Equal(t, int64(2), store.rows[1].UseCount)
	require.True(t, store.rows[1].LastUsed.Equal(rankNow))
}

func TestRecordUsage_RetriesTransient(t *testing.T) {
	toucher := &flakyToucher{fails: 2, err: &domain.TransientStoreError{Op: "Touch", Err: errors.New("conn reset")}}
	u, err := NewUsageTracker(toucher, fastRetry)
	require.NoError(t, err)

	require.NoError(t, u.RecordUsage(context.Background(), []int64{1, 2}))
	require.Equal(t, 3, toucher.calls)
}

func TestRecordUsage_ReturnsFinalError(t *testing.T) {
	toucher := &flakyToucher{fails: 5, err: &domain.TransientStoreError{Op: "Touch", Err: errors.New("conn reset")}}
	u, err := NewUsageTracker(toucher, fastRetry)
	require.NoError(t, err)

	err = u.RecordUsage(context.Background(), []int64{1})
	require.Error(t, err)
	require.Equal(t, 3, toucher.calls)
}
