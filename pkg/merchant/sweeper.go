package merchant

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ledgerworks/payeeflow/pkg/capability"
)

// Sweeper is the polling fallback: on a wall-clock interval it scans
// non-terminal search requests and polls the card network for their status.
// Work per sweep is bounded; requests left over are picked up next interval.
// Poll attempts are not upper-bounded; retention is governed by the
// cancellation policy and the retention sweep.
type Sweeper struct {
	tracker     *Tracker
	interval    time.Duration
	minAge      time.Duration
	maxPerSweep int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewSweeper creates a sweeper. interval defaults to 60s, minAge to 30s and
// maxPerSweep to 100.
func NewSweeper(tracker *Tracker, interval, minAge time.Duration, maxPerSweep int) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if minAge <= 0 {
		minAge = 30 * time.Second
	}
	if maxPerSweep <= 0 {
		maxPerSweep = 100
	}
	return &Sweeper{
		tracker:     tracker,
		interval:    interval,
		minAge:      minAge,
		maxPerSweep: maxPerSweep,
		limiter:     rate.NewLimiter(rate.Limit(5), 1),
		logger:      slog.Default().With("component", "merchant-sweeper"),
	}
}

// Run polls until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
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

// Sweep runs one bounded pass over active search requests.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.minAge)
	active, err := s.tracker.store.ListActiveSearches(ctx, cutoff, s.maxPerSweep)
	if err != nil {
		s.logger.ErrorContext(ctx, "list active searches failed", "error", err)
		return
	}
	for _, req := range active {
		if ctx.Err() != nil {
			return
		}
		s.pollOne(ctx, req.SearchID)
	}
}

func (s *Sweeper) pollOne(ctx context.Context, searchID string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	// Count the attempt before the call so abandoned searches stay visible.
	if err := s.tracker.store.TouchSearchRequest(ctx, searchID); err != nil {
		s.logger.WarnContext(ctx, "touch search failed", "search_id", searchID, "error", err)
		return
	}

	req, err := s.tracker.store.GetSearchRequest(ctx, searchID)
	if err != nil {
		s.logger.WarnContext(ctx, "reload search failed", "search_id", searchID, "error", err)
		return
	}
	if req.Status.IsTerminal() {
		// Webhook resolved it between listing and polling.
		return
	}

	results, err := s.tracker.network.GetSearchResults(ctx, searchID)
	if err != nil {
		switch {
		case capability.IsNotFound(err):
			// The collaborator does not know this search id anymore.
			if ferr := s.tracker.failSubmission(ctx, req, "search id unknown to card network"); ferr != nil {
				s.logger.ErrorContext(ctx, "fail search failed", "search_id", searchID, "error", ferr)
			}
		case capability.IsAuthError(err):
			s.logger.ErrorContext(ctx, "card network authentication failed during poll", "search_id", searchID, "error", err)
			if ferr := s.tracker.failSubmission(ctx, req, "card network authentication failed"); ferr != nil {
				s.logger.ErrorContext(ctx, "fail search failed", "search_id", searchID, "error", ferr)
			}
		default:
			// Transient: attempt already counted, records untouched.
			s.logger.WarnContext(ctx, "poll failed", "search_id", searchID, "error", err)
		}
		return
	}

	if results.Status == ResultInProgress {
		return
	}
	if err := s.tracker.Resolve(ctx, req, results); err != nil {
		s.logger.ErrorContext(ctx, "resolve search failed", "search_id", searchID, "error", err)
	}
}
