package merchant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/time/rate"

	"github.com/ledgerworks/payeeflow/pkg/capability"
	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/pipeline"
)

// Webhook event types pushed by the card network.
const (
	EventResultsReady = "BULK_SEARCH_RESULTS_READY"
	EventCancelled    = "BULK_SEARCH_CANCELLED"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	CreateSearchRequest(ctx context.Context, req *contracts.AsyncSearchRequest) error
	GetSearchRequest(ctx context.Context, searchID string) (*contracts.AsyncSearchRequest, error)
	ListActiveSearches(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.AsyncSearchRequest, error)
	FinishSearchRequest(ctx context.Context, searchID string, status contracts.SearchStatus, responsePayload []byte, errMsg string) (bool, error)
	TouchSearchRequest(ctx context.Context, searchID string) error
	SetSearchStatus(ctx context.Context, searchID string, status contracts.SearchStatus) error

	MarkStageInProgress(ctx context.Context, recordID string, stage contracts.Stage) error
	CompleteStage(ctx context.Context, recordID string, stage contracts.Stage, result any) (bool, error)
	FailStage(ctx context.Context, recordID string, stage contracts.Stage, errMsg string) (bool, error)
	BumpStageCounters(ctx context.Context, batchID string, stage contracts.Stage, processed, succeeded int) error
}

// Tracker owns the async-search lifecycle: submission, webhook resolution,
// polling fallback and idempotent result application.
type Tracker struct {
	store   Store
	network CardNetwork
	limiter *rate.Limiter
	retry   pipeline.RetryPolicy
	logger  *slog.Logger

	maxBatchSize int
}

// NewTracker creates a tracker. maxBatchSize defaults to 3000 (the
// collaborator's limit); submitRPS defaults to 5.
func NewTracker(store Store, network CardNetwork, maxBatchSize int, submitRPS float64) *Tracker {
	if maxBatchSize <= 0 || maxBatchSize > 3000 {
		maxBatchSize = 3000
	}
	if submitRPS <= 0 {
		submitRPS = 5
	}
	return &Tracker{
		store:        store,
		network:      network,
		limiter:      rate.NewLimiter(rate.Limit(submitRPS), 1),
		retry:        pipeline.DefaultRetryPolicy(),
		logger:       slog.Default().With("component", "merchant-tracker"),
		maxBatchSize: maxBatchSize,
	}
}

// WithRetry overrides the submission retry policy.
func (t *Tracker) WithRetry(policy pipeline.RetryPolicy) *Tracker {
	t.retry = policy
	return t
}

// MaxBatchSize returns the per-submission row limit.
func (t *Tracker) MaxBatchSize() int { return t.maxBatchSize }

// SubmitRecords groups the given records of one batch into bulk submissions
// of at most maxBatchSize rows and submits each. The merchant stage of every
// included record becomes in_progress; completion is driven by webhook or
// poll. Transient submission failures are retried; a submission that still
// fails terminally fails all its records, since no search request exists for
// the sweeper to rescue. Remaining groups are not attempted.
func (t *Tracker) SubmitRecords(ctx context.Context, batchID string, records []*contracts.Record) error {
	for start := 0; start < len(records); start += t.maxBatchSize {
		end := start + t.maxBatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := t.submitGroup(ctx, batchID, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) submitGroup(ctx context.Context, batchID string, records []*contracts.Record) error {
	searches := make([]Search, 0, len(records))
	mapping := make(map[string]string, len(records))
	for _, r := range records {
		correlationID := uuid.NewString()
		mapping[correlationID] = r.ID
		searches = append(searches, Search{
			SearchRequestID: correlationID,
			BusinessName:    r.CleanedName,
			Address:         r.Address,
			City:            r.City,
			State:           r.State,
			PostalCode:      r.PostalCode,
		})
	}

	payload, err := json.Marshal(submitRequest{LookupType: "SUPPLIERS", Searches: searches})
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	var searchID string
	err = t.retry.Do(ctx, func(ctx context.Context) error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		id, err := t.network.SubmitBulk(ctx, searches)
		if err != nil {
			return err
		}
		searchID = id
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Batch cancellation fails the open records itself.
			return err
		}
		reason := "bulk search submission failed"
		if capability.IsAuthError(err) {
			reason = "card network authentication failed"
		}
		t.logger.ErrorContext(ctx, "bulk search submission failed", "batch", batchID, "error", err)
		t.failRecords(ctx, batchID, records, reason)
		return fmt.Errorf("submit bulk search: %w", err)
	}

	req := &contracts.AsyncSearchRequest{
		SearchID:       searchID,
		BatchID:        batchID,
		Status:         contracts.SearchSubmitted,
		RequestPayload: payload,
		PayloadHash:    payloadHash(payload),
		Mapping:        mapping,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := t.store.CreateSearchRequest(ctx, req); err != nil {
		return fmt.Errorf("persist search request: %w", err)
	}

	for _, r := range records {
		if err := t.store.MarkStageInProgress(ctx, r.ID, contracts.StageMerchant); err != nil {
			t.logger.WarnContext(ctx, "mark merchant in_progress failed", "record", r.ID, "error", err)
		}
	}
	t.logger.InfoContext(ctx, "bulk search submitted",
		"batch", batchID, "search_id", searchID, "rows", len(records))
	return nil
}

// HandleEvent processes a deduplicated webhook event.
func (t *Tracker) HandleEvent(ctx context.Context, eventType, bulkRequestID string) error {
	req, err := t.store.GetSearchRequest(ctx, bulkRequestID)
	if err != nil {
		return fmt.Errorf("lookup search %s: %w", bulkRequestID, err)
	}
	if req.Status.IsTerminal() {
		return nil
	}

	switch eventType {
	case EventResultsReady:
		if err := t.store.SetSearchStatus(ctx, req.SearchID, contracts.SearchWebhookReceived); err != nil {
			return err
		}
		results, err := t.network.GetSearchResults(ctx, req.SearchID)
		if err != nil {
			return fmt.Errorf("fetch results for %s: %w", req.SearchID, err)
		}
		return t.Resolve(ctx, req, results)
	case EventCancelled:
		return t.cancel(ctx, req, "cancelled by card network")
	default:
		t.logger.WarnContext(ctx, "unknown webhook event type", "type", eventType)
		return nil
	}
}

// Resolve applies a bulk result to the search request and its records.
// First-writer-wins on the request; per-record application is CAS-guarded so
// a webhook/poll race applies each record at most once.
func (t *Tracker) Resolve(ctx context.Context, req *contracts.AsyncSearchRequest, results *BulkResults) error {
	switch results.Status {
	case ResultInProgress:
		return t.store.TouchSearchRequest(ctx, req.SearchID)
	case ResultCancelled:
		return t.cancel(ctx, req, "cancelled by card network")
	case ResultNoMatch:
		return t.applyItems(ctx, req, nil, contracts.SearchNoMatch)
	case ResultCompleted:
		return t.applyItems(ctx, req, results.Items, contracts.SearchCompleted)
	default:
		return fmt.Errorf("unknown bulk result status %q", results.Status)
	}
}

func (t *Tracker) applyItems(ctx context.Context, req *contracts.AsyncSearchRequest, items []ResultItem, terminal contracts.SearchStatus) error {
	respPayload, _ := json.Marshal(BulkResults{Status: string(terminal), Items: items})
	won, err := t.store.FinishSearchRequest(ctx, req.SearchID, terminal, respPayload, "")
	if err != nil {
		return err
	}
	if !won {
		// The other resolution path (webhook vs poll) got here first.
		return nil
	}

	byCorrelation := make(map[string]*ResultItem, len(items))
	for i := range items {
		byCorrelation[items[i].SearchRequestID] = &items[i]
	}

	now := time.Now().UTC()
	for correlationID, recordID := range req.Mapping {
		item := byCorrelation[correlationID]
		enrichment := &contracts.MerchantEnrichment{
			MatchStatus:    contracts.MerchantNoMatch,
			EnrichmentDate: &now,
		}
		if item != nil && item.MatchStatus != ResultNoMatch {
			enrichment = &contracts.MerchantEnrichment{
				MatchStatus:         contracts.MerchantMatch,
				Confidence:          item.Confidence,
				BusinessName:        item.BusinessName,
				TaxID:               item.TaxID,
				MerchantIDs:         item.MerchantIDs,
				MCC:                 item.MCC,
				MCCGroup:            item.MCCGroup,
				Address:             item.Address,
				City:                item.City,
				State:               item.State,
				PostalCode:          item.PostalCode,
				TransactionRecency:  item.TransactionRecency,
				CommercialHistory:   item.CommercialHistory,
				SmallBusiness:       item.SmallBusiness,
				LastTransactionDate: item.LastTransactionDate,
				DataQualityLevel:    item.DataQualityLevel,
				EnrichmentDate:      &now,
			}
		}
		applied, err := t.store.CompleteStage(ctx, recordID, contracts.StageMerchant, enrichment)
		if err != nil {
			t.logger.ErrorContext(ctx, "apply merchant result failed", "record", recordID, "error", err)
			continue
		}
		if applied {
			if err := t.store.BumpStageCounters(ctx, req.BatchID, contracts.StageMerchant, 1, 1); err != nil {
				t.logger.WarnContext(ctx, "bump merchant counters failed", "batch", req.BatchID, "error", err)
			}
		}
	}
	t.logger.InfoContext(ctx, "bulk search resolved",
		"search_id", req.SearchID, "status", string(terminal), "rows", len(req.Mapping))
	return nil
}

func (t *Tracker) cancel(ctx context.Context, req *contracts.AsyncSearchRequest, reason string) error {
	won, err := t.store.FinishSearchRequest(ctx, req.SearchID, contracts.SearchCancelled, nil, reason)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	t.failMapped(ctx, req, reason)
	return nil
}

// failSubmission marks the request failed and fails all mapped records.
func (t *Tracker) failSubmission(ctx context.Context, req *contracts.AsyncSearchRequest, reason string) error {
	won, err := t.store.FinishSearchRequest(ctx, req.SearchID, contracts.SearchFailed, nil, reason)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	t.failMapped(ctx, req, reason)
	return nil
}

func (t *Tracker) failMapped(ctx context.Context, req *contracts.AsyncSearchRequest, reason string) {
	for _, recordID := range req.Mapping {
		applied, err := t.store.FailStage(ctx, recordID, contracts.StageMerchant, reason)
		if err != nil {
			t.logger.ErrorContext(ctx, "fail merchant stage failed", "record", recordID, "error", err)
			continue
		}
		if applied {
			if err := t.store.BumpStageCounters(ctx, req.BatchID, contracts.StageMerchant, 1, 0); err != nil {
				t.logger.WarnContext(ctx, "bump merchant counters failed", "batch", req.BatchID, "error", err)
			}
		}
	}
}

// failRecords fails the merchant stage of records that never got a search
// request row (submission itself failed).
func (t *Tracker) failRecords(ctx context.Context, batchID string, records []*contracts.Record, reason string) {
	for _, r := range records {
		applied, err := t.store.FailStage(ctx, r.ID, contracts.StageMerchant, reason)
		if err != nil {
			t.logger.ErrorContext(ctx, "fail merchant stage failed", "record", r.ID, "error", err)
			continue
		}
		if applied {
			if err := t.store.BumpStageCounters(ctx, batchID, contracts.StageMerchant, 1, 0); err != nil {
				t.logger.WarnContext(ctx, "bump merchant counters failed", "batch", batchID, "error", err)
			}
		}
	}
}

// CancelBatch terminally cancels every active search of a batch and fails
// the merchant stage of its mapped records. Called on batch cancellation.
func (t *Tracker) CancelBatch(ctx context.Context, batchID string) error {
	active, err := t.store.ListActiveSearches(ctx, time.Now().UTC(), 10000)
	if err != nil {
		return err
	}
	for _, req := range active {
		if req.BatchID != batchID {
			continue
		}
		if err := t.cancel(ctx, req, "cancelled"); err != nil {
			t.logger.ErrorContext(ctx, "cancel search failed", "search_id", req.SearchID, "error", err)
		}
	}
	return nil
}

// payloadHash is the SHA-256 of the JCS-canonicalized payload. Submitting
// the same rows twice still creates two search requests; the hash only makes
// the duplication visible to operators.
func payloadHash(payload []byte) string {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
