// Package store implements the record store: persistent keyed storage for
// batches, records, per-stage status, the exclusion keyword set, the supplier
// catalog read model and the async-search registry.
//
// The record store is the only cross-worker shared state in the pipeline.
// Terminal stage transitions are compare-and-set: results are written only
// while the stage is still pending or in_progress, so a late-arriving result
// can never overwrite a terminal stage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned on unique-constraint violations surfaced to callers
// (for example a keyword that already exists after casefold).
var ErrDuplicate = errors.New("store: duplicate")

// BatchStore persists batches and their per-stage counters.
type BatchStore interface {
	CreateBatch(ctx context.Context, b *contracts.Batch) error
	GetBatch(ctx context.Context, id string) (*contracts.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]*contracts.Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status contracts.BatchStatus) error
	// SetStageProgress replaces a stage's status/total on the batch row.
	SetStageProgress(ctx context.Context, batchID string, stage contracts.Stage, p contracts.StageProgress) error
	// SetStageStatus updates only the stage's status, preserving counters.
	SetStageStatus(ctx context.Context, batchID string, stage contracts.Stage, status contracts.StageStatus) error
	// BumpStageCounters atomically increments processed (and optionally
	// succeeded) for a stage, mirroring a record's terminal transition.
	BumpStageCounters(ctx context.Context, batchID string, stage contracts.Stage, processed, succeeded int) error
	// BumpBatchCounters atomically increments the batch-level record counters.
	BumpBatchCounters(ctx context.Context, batchID string, processed, skipped int) error
}

// RecordStore persists records and their per-stage state.
type RecordStore interface {
	CreateRecords(ctx context.Context, recs []*contracts.Record) error
	GetRecord(ctx context.Context, id string) (*contracts.Record, error)
	ListRecords(ctx context.Context, batchID string, limit, offset int) ([]*contracts.Record, error)
	// ListRecordsInStage returns records of a batch whose stage status matches
	// one of the given statuses.
	ListRecordsInStage(ctx context.Context, batchID string, stage contracts.Stage, statuses ...contracts.StageStatus) ([]*contracts.Record, error)
	// CountStageStatuses returns the per-status record counts for a stage.
	CountStageStatuses(ctx context.Context, batchID string, stage contracts.Stage) (map[contracts.StageStatus]int, error)

	// MarkStageInProgress moves a pending stage to in_progress. It never
	// touches a terminal stage.
	MarkStageInProgress(ctx context.Context, recordID string, stage contracts.Stage) error
	// CompleteStage writes the stage result and sets the terminal status in
	// one transaction, guarded by a compare-and-set on the current status.
	// It returns false when the stage was already terminal (late write dropped).
	CompleteStage(ctx context.Context, recordID string, stage contracts.Stage, result any) (bool, error)
	// FailStage sets the stage failed with an error message, CAS-guarded.
	FailStage(ctx context.Context, recordID string, stage contracts.Stage, errMsg string) (bool, error)
	// SkipStage sets the stage skipped with a reason, CAS-guarded.
	SkipStage(ctx context.Context, recordID string, stage contracts.Stage, reason string) (bool, error)
	// CancelStage sets the stage cancelled, CAS-guarded.
	CancelStage(ctx context.Context, recordID string, stage contracts.Stage, reason string) (bool, error)

	// SetExcluded flags a record as excluded by a keyword.
	SetExcluded(ctx context.Context, recordID, keyword string) error
}

// KeywordStore persists the exclusion keyword set.
type KeywordStore interface {
	CreateKeyword(ctx context.Context, k *contracts.ExclusionKeyword) error
	GetKeyword(ctx context.Context, id string) (*contracts.ExclusionKeyword, error)
	ListKeywords(ctx context.Context) ([]*contracts.ExclusionKeyword, error)
	ActiveKeywords(ctx context.Context) ([]string, error)
	UpdateKeyword(ctx context.Context, id string, isActive *bool, notes *string) error
	DeleteKeyword(ctx context.Context, id string) error
}

// SupplierStore is the queryable supplier catalog read model. The pipeline
// only reads it; replication from upstream runs as a separate job.
type SupplierStore interface {
	UpsertSuppliers(ctx context.Context, sups []*contracts.KnownSupplier) error
	// SearchSuppliers returns candidates for a normalized name using exact,
	// prefix and contains matching.
	SearchSuppliers(ctx context.Context, normalizedName string, limit int) ([]*contracts.KnownSupplier, error)
}

// SearchStore persists the async-search registry.
type SearchStore interface {
	CreateSearchRequest(ctx context.Context, req *contracts.AsyncSearchRequest) error
	GetSearchRequest(ctx context.Context, searchID string) (*contracts.AsyncSearchRequest, error)
	// ListActiveSearches returns non-terminal requests submitted before the
	// cutoff, oldest first, up to limit. Used by the polling sweeper.
	ListActiveSearches(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.AsyncSearchRequest, error)
	// FinishSearchRequest transitions a request to a terminal status with a
	// first-writer-wins guard. Returns false if it was already terminal.
	FinishSearchRequest(ctx context.Context, searchID string, status contracts.SearchStatus, responsePayload []byte, errMsg string) (bool, error)
	// TouchSearchRequest records a poll attempt, moving the request to
	// polling if it is still non-terminal.
	TouchSearchRequest(ctx context.Context, searchID string) error
	// SetSearchStatus moves the request between non-terminal states
	// (e.g. submitted -> webhook_received) without counting a poll.
	SetSearchStatus(ctx context.Context, searchID string, status contracts.SearchStatus) error
	// DeleteSearchesBefore removes terminal requests older than the cutoff.
	DeleteSearchesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookStore persists inbound webhook events with eventId dedupe.
type WebhookStore interface {
	// InsertWebhookEvent stores the event; returns false when the eventId was
	// already seen (duplicate delivery).
	InsertWebhookEvent(ctx context.Context, e *contracts.WebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, eventID string, errMsg string) error
}

// Store aggregates all persistence capabilities backed by one database.
type Store interface {
	BatchStore
	RecordStore
	KeywordStore
	SupplierStore
	SearchStore
	WebhookStore
}
