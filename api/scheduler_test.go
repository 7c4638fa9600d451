package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-billing/billing"
	"github.com/warp/labor-billing/store/sqlite"
)

func TestSyncRetryScheduler_DrainsQueue(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnqueueSync(ctx, billing.KindInvoice, "doc-1", "timeout"))
	require.NoError(t, store.EnqueueSync(ctx, billing.KindVendorBill, "doc-2", "timeout"))

	syncer := &flakySync{}
	s := NewSyncRetryScheduler(store, syncer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.CheckInterval = 20 * time.Millisecond
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		pending, err := store.ListPendingSyncs(ctx)
		return err == nil && len(pending) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSyncRetryScheduler_DisabledDoesNotStart(t *testing.T) {
	s := NewSyncRetryScheduler(nil, &flakySync{}, nil)
	s.Enabled = false
	s.Start()
	assert.Nil(t, s.ticker)
	s.Stop()
}

func TestRetryPendingSyncs_KeepsFailuresQueued(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnqueueSync(ctx, billing.KindInvoice, "doc-1", "timeout"))

	report, err := retryPendingSyncs(ctx, store, &flakySync{down: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, retryReport{Attempted: 1, Failed: 1}, report)

	pending, err := store.ListPendingSyncs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "accounting unavailable", pending[0].LastError)
}

type rejectingSync struct{}

func (rejectingSync) Push(ctx context.Context, kind billing.DocumentKind, id billing.DocumentID) error {
	return fmt.Errorf("422 Unprocessable Entity: %w", billing.ErrSyncRejected)
}

func TestRetryPendingSyncs_ParksRejections(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnqueueSync(ctx, billing.KindInvoice, "doc-1", "timeout"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	report, err := retryPendingSyncs(ctx, store, rejectingSync{}, logger)
	require.NoError(t, err)
	assert.Equal(t, retryReport{Attempted: 1, Rejected: 1}, report)

	pending, err := store.ListPendingSyncs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "rejected pushes leave the retry queue")

	status, err := store.SyncStatus(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "rejected", status)

	// A second pass has nothing to resend.
	report, err = retryPendingSyncs(ctx, store, rejectingSync{}, logger)
	require.NoError(t, err)
	assert.Equal(t, retryReport{}, report)
}
