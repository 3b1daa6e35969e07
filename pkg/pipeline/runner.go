package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ledgerworks/payeeflow/pkg/capability"
	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

// RecordWorker produces one stage's result for one record. Returning a
// *SkipError marks the stage skipped; any other error beyond the retry
// policy marks it failed.
type RecordWorker interface {
	Stage() contracts.Stage
	Process(ctx context.Context, rec *contracts.Record) (any, error)
}

// RunnerStore is the persistence surface the stage runtime needs.
type RunnerStore interface {
	MarkStageInProgress(ctx context.Context, recordID string, stage contracts.Stage) error
	CompleteStage(ctx context.Context, recordID string, stage contracts.Stage, result any) (bool, error)
	FailStage(ctx context.Context, recordID string, stage contracts.Stage, errMsg string) (bool, error)
	SkipStage(ctx context.Context, recordID string, stage contracts.Stage, reason string) (bool, error)
	CancelStage(ctx context.Context, recordID string, stage contracts.Stage, reason string) (bool, error)
	BumpStageCounters(ctx context.Context, batchID string, stage contracts.Stage, processed, succeeded int) error
}

// JobObserver is notified when a stage job starts; the returned func records
// its outcome. Lets the runtime feed tracing/metrics without depending on a
// telemetry backend.
type JobObserver func(ctx context.Context, stage contracts.Stage, batchID string) (context.Context, func(error))

// StageRunner executes one worker over a set of records with bounded
// concurrency, a shared rate gate and the common retry policy. Every terminal
// transition it applies is mirrored onto the batch's stage counters.
type StageRunner struct {
	store       RunnerStore
	gate        *Gate
	retry       RetryPolicy
	concurrency int
	observe     JobObserver
	logger      *slog.Logger
}

func NewStageRunner(st RunnerStore, gate *Gate, retry RetryPolicy, concurrency int) *StageRunner {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &StageRunner{
		store:       st,
		gate:        gate,
		retry:       retry,
		concurrency: concurrency,
		logger:      slog.Default().With("component", "stage-runner"),
	}
}

// WithObserver attaches a job observer. A nil observer is a no-op.
func (r *StageRunner) WithObserver(observe JobObserver) *StageRunner {
	r.observe = observe
	return r
}

// Run processes all records and returns when every one reached a terminal
// stage status or the context was cancelled.
func (r *StageRunner) Run(ctx context.Context, batchID string, worker RecordWorker, records []*contracts.Record) {
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *contracts.Record) {
			defer wg.Done()
			defer func() { <-sem }()
			r.processOne(ctx, batchID, worker, rec)
		}(rec)
	}
	wg.Wait()
}

func (r *StageRunner) processOne(ctx context.Context, batchID string, worker RecordWorker, rec *contracts.Record) {
	stage := worker.Stage()
	done := func(error) {}
	if r.observe != nil {
		ctx, done = r.observe(ctx, stage, batchID)
	}
	if err := r.store.MarkStageInProgress(ctx, rec.ID, stage); err != nil {
		r.logger.WarnContext(ctx, "mark in_progress failed",
			"stage", string(stage), "record", rec.ID, "error", err)
	}

	var result any
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		if err := r.gate.Wait(ctx); err != nil {
			return err
		}
		var perr error
		result, perr = worker.Process(ctx, rec)
		return perr
	})

	var skip *SkipError
	switch {
	case err == nil:
		done(nil)
		applied, serr := r.store.CompleteStage(ctx, rec.ID, stage, result)
		r.finish(ctx, batchID, stage, rec.ID, applied, 1, serr)
	case errors.As(err, &skip):
		done(nil)
		applied, serr := r.store.SkipStage(ctx, rec.ID, stage, skip.Reason)
		r.finish(ctx, batchID, stage, rec.ID, applied, 1, serr)
	case ctx.Err() != nil:
		done(err)
		applied, serr := r.store.CancelStage(ctx, rec.ID, stage, "batch cancelled")
		r.finish(ctx, batchID, stage, rec.ID, applied, 0, serr)
	default:
		done(err)
		if capability.IsAuthError(err) {
			r.logger.ErrorContext(ctx, "collaborator authentication failed",
				"stage", string(stage), "record", rec.ID, "error", err)
		}
		applied, serr := r.store.FailStage(ctx, rec.ID, stage, err.Error())
		r.finish(ctx, batchID, stage, rec.ID, applied, 0, serr)
	}
}

func (r *StageRunner) finish(ctx context.Context, batchID string, stage contracts.Stage, recordID string, applied bool, succeeded int, err error) {
	if err != nil {
		r.logger.ErrorContext(ctx, "stage transition failed",
			"stage", string(stage), "record", recordID, "error", err)
		return
	}
	if !applied {
		return
	}
	if err := r.store.BumpStageCounters(ctx, batchID, stage, 1, succeeded); err != nil {
		r.logger.WarnContext(ctx, "bump stage counters failed",
			"stage", string(stage), "batch", batchID, "error", err)
	}
}
