package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/store"
)

// RetentionSweeper deletes terminal search requests past the retention
// window. Active requests are never touched.
type RetentionSweeper struct {
	store     store.SearchStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewRetentionSweeper creates a sweeper. retention defaults to 30 days and
// interval to one hour.
func NewRetentionSweeper(st store.SearchStore, retention, interval time.Duration) *RetentionSweeper {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    slog.Default().With("component", "retention-sweeper"),
	}
}

// Run sweeps until the context is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one deletion pass.
func (s *RetentionSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.store.DeleteSearchesBefore(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "expired search requests removed", "count", n)
	}
}
