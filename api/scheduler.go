/*
scheduler.go - Automated accounting sync retries

PURPOSE:
  Periodically re-pushes documents whose accounting sync failed after
  commit. A committed document is always valid; the queue only tracks
  that the external system hasn't heard about it yet.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick pushes every pending document once
  - Success closes the queue entry; failure bumps its attempt count
  - The billing engine itself never retries; it only enqueues

CONFIGURATION:
  - CheckInterval: How often to retry (default: 5 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSyncRetryScheduler(store, syncer, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RetrySyncs endpoint (manual trigger)
  - accounting/accounting.go: Webhook syncer
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/labor-billing/billing"
	"github.com/warp/labor-billing/store/sqlite"
)

// SyncRetryScheduler retries failed accounting pushes in the background.
type SyncRetryScheduler struct {
	Store         *sqlite.Store
	Sync          billing.AccountingSync
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSyncRetryScheduler creates a new scheduler.
func NewSyncRetryScheduler(store *sqlite.Store, syncer billing.AccountingSync, logger *slog.Logger) *SyncRetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncRetryScheduler{
		Store:         store,
		Sync:          syncer,
		Logger:        logger.With("component", "sync_retry"),
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *SyncRetryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Sync == nil {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight retry to finish.
func (s *SyncRetryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("scheduler stopped")
	}
}

func (s *SyncRetryScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.retry()

	for {
		select {
		case <-s.ticker.C:
			s.retry()
		case <-s.stop:
			return
		}
	}
}

func (s *SyncRetryScheduler) retry() {
	ctx, cancel := context.WithTimeout(context.Background(), s.CheckInterval)
	defer cancel()

	report, err := retryPendingSyncs(ctx, s.Store, s.Sync, s.Logger)
	if err != nil {
		s.Logger.Error("retry pass failed", "error", err)
		return
	}
	if report.Attempted > 0 {
		s.Logger.Info("retry pass completed", "attempted", report.Attempted, "synced", report.Synced, "failed", report.Failed, "rejected", report.Rejected)
	}
}

type retryReport struct {
	Attempted int
	Synced    int
	Failed    int
	Rejected  int
}

// pendingSyncStore is the part of the store a retry pass needs.
type pendingSyncStore interface {
	ListPendingSyncs(ctx context.Context) ([]sqlite.PendingSync, error)
	MarkSynced(ctx context.Context, documentID billing.DocumentID) error
	billing.SyncQueue
}

// retryPendingSyncs pushes every queued document once.
func retryPendingSyncs(ctx context.Context, store pendingSyncStore, syncer billing.AccountingSync, logger *slog.Logger) (retryReport, error) {
	var report retryReport

	pending, err := store.ListPendingSyncs(ctx)
	if err != nil {
		return report, err
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++

		if err := syncer.Push(ctx, p.Kind, p.DocumentID); err != nil {
			if errors.Is(err, billing.ErrSyncRejected) {
				report.Rejected++
				logger.Warn("accounting sync rejected, parking", "document_id", p.DocumentID, "error", err)
				if qerr := store.RejectSync(ctx, p.Kind, p.DocumentID, err.Error()); qerr != nil {
					return report, qerr
				}
				continue
			}
			report.Failed++
			logger.Warn("accounting sync retry failed", "document_id", p.DocumentID, "attempts", p.Attempts+1, "error", err)
			if qerr := store.EnqueueSync(ctx, p.Kind, p.DocumentID, err.Error()); qerr != nil {
				return report, qerr
			}
			continue
		}

		if err := store.MarkSynced(ctx, p.DocumentID); err != nil {
			return report, err
		}
		report.Synced++
		logger.Info("accounting sync retried", "document_id", p.DocumentID, "kind", p.Kind)
	}
	return report, nil
}
