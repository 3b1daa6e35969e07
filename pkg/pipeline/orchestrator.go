package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/store"
)

// MerchantSubmitter is the async-search side of merchant enrichment. The
// orchestrator only submits and cancels; resolution arrives via webhook or
// the polling sweeper.
type MerchantSubmitter interface {
	SubmitRecords(ctx context.Context, batchID string, records []*contracts.Record) error
	CancelBatch(ctx context.Context, batchID string) error
}

// ExclusionFilter matches a payee name against the active keyword set.
type ExclusionFilter interface {
	Match(ctx context.Context, name string) (string, error)
}

// StageWorkers bundles the synchronous stage workers.
type StageWorkers struct {
	Classify RecordWorker
	Supplier RecordWorker
	Address  RecordWorker
	Predict  RecordWorker
}

// StageGates bundles the per-collaborator rate gates. A nil gate is
// unconstrained.
type StageGates struct {
	Classify *Gate
	Supplier *Gate
	Address  *Gate
	Predict  *Gate
}

// StageConcurrency bounds each worker pool.
type StageConcurrency struct {
	Classify int
	Supplier int
	Address  int
	Predict  int
}

// Options tunes the orchestrator.
type Options struct {
	Gates       StageGates
	Concurrency StageConcurrency
	Retry       RetryPolicy

	// Observe, when set, is invoked around every stage job.
	Observe JobObserver

	// ObserveStale, when set, is invoked when a batch stalls without forward
	// progress for StaleAfter.
	ObserveStale func(ctx context.Context, batchID string)

	// SubBatchSize is the record page size used when fanning a batch out to
	// the stage pools.
	SubBatchSize int

	// AwaitMerchantForPrediction defers a record's prediction until its other
	// enabled stages are terminal, so the model sees merchant output.
	AwaitMerchantForPrediction bool

	// WatchInterval is the cadence of the completion watcher and the deferred
	// prediction scan.
	WatchInterval time.Duration

	// StaleAfter is how long a stage may sit without forward progress before
	// a warning is emitted. Never auto-cancels.
	StaleAfter time.Duration
}

// Orchestrator coordinates one batch end to end: classification, exclusion,
// fan-out to the enrichment stages, prediction deferral, counter maintenance
// and completion detection.
type Orchestrator struct {
	store    store.Store
	workers  StageWorkers
	merchant MerchantSubmitter
	filter   ExclusionFilter
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewOrchestrator(st store.Store, workers StageWorkers, merchant MerchantSubmitter, filter ExclusionFilter, opts Options) *Orchestrator {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 2 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.SubBatchSize <= 0 {
		opts.SubBatchSize = 500
	}
	if opts.Concurrency.Classify <= 0 {
		opts.Concurrency.Classify = 3
	}
	if opts.Concurrency.Supplier <= 0 {
		opts.Concurrency.Supplier = 5
	}
	if opts.Concurrency.Address <= 0 {
		opts.Concurrency.Address = 5
	}
	if opts.Concurrency.Predict <= 0 {
		opts.Concurrency.Predict = 4
	}
	return &Orchestrator{
		store:    st,
		workers:  workers,
		merchant: merchant,
		filter:   filter,
		opts:     opts,
		logger:   slog.Default().With("component", "orchestrator"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// ProcessBatch drives a batch from pending to a terminal status. It returns
// after every synchronous stage finished and the completion watcher observed
// all enabled stages terminal, or after cancellation.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerCancel(batchID, cancel)
	defer o.dropCancel(batchID)

	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		o.logger.ErrorContext(ctx, "load batch failed", "batch", batchID, "error", err)
		return
	}
	if batch.Status != contracts.BatchPending {
		o.logger.WarnContext(ctx, "batch not pending, skipping", "batch", batchID, "status", string(batch.Status))
		return
	}
	if err := o.store.UpdateBatchStatus(ctx, batchID, contracts.BatchProcessing); err != nil {
		o.logger.ErrorContext(ctx, "mark batch processing failed", "batch", batchID, "error", err)
		return
	}

	records, err := o.listAllRecords(ctx, batchID)
	if err != nil {
		o.logger.ErrorContext(ctx, "load records failed", "batch", batchID, "error", err)
		return
	}

	o.runClassification(ctx, batch, records)
	if ctx.Err() != nil {
		return
	}

	records, err = o.listAllRecords(ctx, batchID)
	if err != nil {
		o.logger.ErrorContext(ctx, "reload records failed", "batch", batchID, "error", err)
		return
	}
	included := o.applyExclusion(ctx, batch, records)
	if ctx.Err() != nil {
		return
	}

	if err := o.store.UpdateBatchStatus(ctx, batchID, contracts.BatchEnriching); err != nil {
		o.logger.WarnContext(ctx, "mark batch enriching failed", "batch", batchID, "error", err)
	}
	o.dispatchEnrichment(ctx, batch, records, included)
	if ctx.Err() != nil {
		return
	}

	o.runPrediction(ctx, batch, included)
	o.awaitCompletion(ctx, batch)
}

// CancelBatch soft-cancels a batch: inflight workers stop at their next
// suspension point, active searches are cancelled, and remaining non-terminal
// stages are marked cancelled.
func (o *Orchestrator) CancelBatch(ctx context.Context, batchID string) error {
	o.mu.Lock()
	if cancel, ok := o.cancels[batchID]; ok {
		cancel()
	}
	o.mu.Unlock()

	if err := o.store.UpdateBatchStatus(ctx, batchID, contracts.BatchCancelled); err != nil {
		return err
	}
	if err := o.merchant.CancelBatch(ctx, batchID); err != nil {
		o.logger.ErrorContext(ctx, "cancel merchant searches failed", "batch", batchID, "error", err)
	}

	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, stage := range o.enabledStages(batch) {
		open, err := o.store.ListRecordsInStage(ctx, batchID, stage,
			contracts.StagePending, contracts.StageInProgress)
		if err != nil {
			o.logger.ErrorContext(ctx, "list open records failed", "batch", batchID, "stage", string(stage), "error", err)
			continue
		}
		for _, rec := range open {
			applied, err := o.store.CancelStage(ctx, rec.ID, stage, "batch cancelled")
			if err != nil {
				o.logger.ErrorContext(ctx, "cancel stage failed", "record", rec.ID, "stage", string(stage), "error", err)
				continue
			}
			if applied {
				if err := o.store.BumpStageCounters(ctx, batchID, stage, 1, 0); err != nil {
					o.logger.WarnContext(ctx, "bump counters failed", "batch", batchID, "error", err)
				}
			}
		}
		if err := o.store.SetStageStatus(ctx, batchID, stage, contracts.StageCancelled); err != nil {
			o.logger.WarnContext(ctx, "set stage status failed", "batch", batchID, "stage", string(stage), "error", err)
		}
	}
	o.logger.InfoContext(ctx, "batch cancelled", "batch", batchID)
	return nil
}

func (o *Orchestrator) runClassification(ctx context.Context, batch *contracts.Batch, records []*contracts.Record) {
	o.setStageStatus(ctx, batch.ID, contracts.StageClassification, contracts.StageInProgress)
	runner := NewStageRunner(o.store, o.opts.Gates.Classify, o.opts.Retry, o.opts.Concurrency.Classify).WithObserver(o.opts.Observe)
	runner.Run(ctx, batch.ID, o.workers.Classify, records)
	o.setStageStatus(ctx, batch.ID, contracts.StageClassification, contracts.StageCompleted)
}

// applyExclusion runs the keyword filter over every record, skips the costly
// stages for excluded ones, and returns the records that continue through
// enrichment. Address validation is not skipped; an excluded payee can still
// carry a valid address.
func (o *Orchestrator) applyExclusion(ctx context.Context, batch *contracts.Batch, records []*contracts.Record) []*contracts.Record {
	skipStages := []contracts.Stage{contracts.StageSupplier, contracts.StageMerchant, contracts.StagePrediction}

	var included []*contracts.Record
	for _, rec := range records {
		if ctx.Err() != nil {
			return included
		}
		keyword, err := o.filter.Match(ctx, rec.CleanedName)
		if err != nil {
			// Filter errors keep the record in the pipeline; it still counts
			// as processed past classification.
			o.logger.ErrorContext(ctx, "exclusion check failed", "record", rec.ID, "error", err)
			included = append(included, rec)
			if err := o.store.BumpBatchCounters(ctx, batch.ID, 1, 0); err != nil {
				o.logger.WarnContext(ctx, "bump batch counters failed", "batch", batch.ID, "error", err)
			}
			continue
		}
		if keyword == "" {
			included = append(included, rec)
			if err := o.store.BumpBatchCounters(ctx, batch.ID, 1, 0); err != nil {
				o.logger.WarnContext(ctx, "bump batch counters failed", "batch", batch.ID, "error", err)
			}
			continue
		}

		if err := o.store.SetExcluded(ctx, rec.ID, keyword); err != nil {
			o.logger.ErrorContext(ctx, "mark excluded failed", "record", rec.ID, "error", err)
		}
		rec.IsExcluded = true
		rec.ExclusionKeyword = keyword
		for _, stage := range skipStages {
			if !batch.StageEnabled(stage) {
				continue
			}
			applied, err := o.store.SkipStage(ctx, rec.ID, stage, "excluded")
			if err != nil {
				o.logger.ErrorContext(ctx, "skip stage failed", "record", rec.ID, "stage", string(stage), "error", err)
				continue
			}
			if applied {
				if err := o.store.BumpStageCounters(ctx, batch.ID, stage, 1, 1); err != nil {
					o.logger.WarnContext(ctx, "bump stage counters failed", "batch", batch.ID, "error", err)
				}
			}
		}
		if err := o.store.BumpBatchCounters(ctx, batch.ID, 1, 1); err != nil {
			o.logger.WarnContext(ctx, "bump batch counters failed", "batch", batch.ID, "error", err)
		}
		o.logger.InfoContext(ctx, "record excluded", "record", rec.ID, "keyword", keyword)
	}
	return included
}

// dispatchEnrichment runs supplier matching and address validation in
// parallel pools and submits merchant searches. It returns once the
// synchronous stages finished and the async submission is placed.
func (o *Orchestrator) dispatchEnrichment(ctx context.Context, batch *contracts.Batch, all, included []*contracts.Record) {
	var wg sync.WaitGroup

	if batch.StageEnabled(contracts.StageSupplier) {
		o.setStageStatus(ctx, batch.ID, contracts.StageSupplier, contracts.StageInProgress)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner := NewStageRunner(o.store, o.opts.Gates.Supplier, o.opts.Retry, o.opts.Concurrency.Supplier).WithObserver(o.opts.Observe)
			runner.Run(ctx, batch.ID, o.workers.Supplier, included)
			o.setStageStatus(ctx, batch.ID, contracts.StageSupplier, contracts.StageCompleted)
		}()
	}

	if batch.StageEnabled(contracts.StageAddress) {
		o.setStageStatus(ctx, batch.ID, contracts.StageAddress, contracts.StageInProgress)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner := NewStageRunner(o.store, o.opts.Gates.Address, o.opts.Retry, o.opts.Concurrency.Address).WithObserver(o.opts.Observe)
			runner.Run(ctx, batch.ID, o.workers.Address, all)
			o.setStageStatus(ctx, batch.ID, contracts.StageAddress, contracts.StageCompleted)
		}()
	}

	if batch.StageEnabled(contracts.StageMerchant) && len(included) > 0 {
		o.setStageStatus(ctx, batch.ID, contracts.StageMerchant, contracts.StageInProgress)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.merchant.SubmitRecords(ctx, batch.ID, included); err != nil {
				o.logger.ErrorContext(ctx, "merchant submission failed", "batch", batch.ID, "error", err)
			}
		}()
	}

	wg.Wait()
}

// runPrediction executes the predict stage for the included records. With
// AwaitMerchantForPrediction it scans for records whose other enabled stages
// reached a terminal state and predicts those, until none remain open.
func (o *Orchestrator) runPrediction(ctx context.Context, batch *contracts.Batch, included []*contracts.Record) {
	if !batch.StageEnabled(contracts.StagePrediction) || len(included) == 0 {
		return
	}
	o.setStageStatus(ctx, batch.ID, contracts.StagePrediction, contracts.StageInProgress)
	defer o.setStageStatus(ctx, batch.ID, contracts.StagePrediction, contracts.StageCompleted)

	runner := NewStageRunner(o.store, o.opts.Gates.Predict, o.opts.Retry, o.opts.Concurrency.Predict).WithObserver(o.opts.Observe)

	await := o.opts.AwaitMerchantForPrediction && batch.StageEnabled(contracts.StageMerchant)
	for {
		pending, err := o.store.ListRecordsInStage(ctx, batch.ID, contracts.StagePrediction, contracts.StagePending)
		if err != nil {
			o.logger.ErrorContext(ctx, "list prediction-pending failed", "batch", batch.ID, "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}

		ready := pending
		if await {
			ready = ready[:0:0]
			for _, rec := range pending {
				if o.upstreamTerminal(batch, rec) {
					ready = append(ready, rec)
				}
			}
		}
		if len(ready) > 0 {
			runner.Run(ctx, batch.ID, o.workers.Predict, ready)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.opts.WatchInterval):
		}
	}
}

// upstreamTerminal reports whether every enabled stage a prediction consumes
// has reached a terminal status for the record.
func (o *Orchestrator) upstreamTerminal(batch *contracts.Batch, rec *contracts.Record) bool {
	for _, stage := range o.enabledStages(batch) {
		if stage == contracts.StagePrediction {
			continue
		}
		if !rec.StageStatusOf(stage).IsTerminal() {
			return false
		}
	}
	return true
}

// awaitCompletion watches the per-record stage statuses until every enabled
// stage of every record is terminal, then marks the batch completed (or
// failed, when literally everything failed). Stalled stages are warned about
// but never auto-cancelled.
func (o *Orchestrator) awaitCompletion(ctx context.Context, batch *contracts.Batch) {
	lastProcessed := -1
	lastChange := time.Now()
	warned := false

	ticker := time.NewTicker(o.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := o.store.GetBatch(ctx, batch.ID)
		if err != nil {
			o.logger.ErrorContext(ctx, "reload batch failed", "batch", batch.ID, "error", err)
			continue
		}
		if current.Status == contracts.BatchCancelled {
			return
		}

		open := 0
		anySucceeded := false
		processed := 0
		perStage := make(map[contracts.Stage]map[contracts.StageStatus]int)
		for _, stage := range o.enabledStages(current) {
			counts, err := o.store.CountStageStatuses(ctx, batch.ID, stage)
			if err != nil {
				o.logger.ErrorContext(ctx, "count stage statuses failed", "batch", batch.ID, "stage", string(stage), "error", err)
				open++
				continue
			}
			perStage[stage] = counts
			open += counts[contracts.StagePending] + counts[contracts.StageInProgress]
			processed += counts[contracts.StageCompleted] + counts[contracts.StageFailed] +
				counts[contracts.StageSkipped] + counts[contracts.StageCancelled]
			if counts[contracts.StageCompleted]+counts[contracts.StageSkipped] > 0 {
				anySucceeded = true
			}
		}

		if open == 0 {
			status := contracts.BatchCompleted
			if !anySucceeded && current.TotalRecords > 0 {
				status = contracts.BatchFailed
			}
			for _, stage := range o.enabledStages(current) {
				stageStatus := contracts.StageCompleted
				c := perStage[stage]
				if c[contracts.StageCompleted]+c[contracts.StageSkipped] == 0 && c[contracts.StageFailed] > 0 {
					stageStatus = contracts.StageFailed
				}
				o.setStageStatus(ctx, batch.ID, stage, stageStatus)
			}
			if err := o.store.UpdateBatchStatus(ctx, batch.ID, status); err != nil {
				o.logger.ErrorContext(ctx, "finalize batch failed", "batch", batch.ID, "error", err)
				continue
			}
			o.logger.InfoContext(ctx, "batch finished", "batch", batch.ID, "status", string(status))
			return
		}

		if processed != lastProcessed {
			lastProcessed = processed
			lastChange = time.Now()
			warned = false
		} else if !warned && time.Since(lastChange) > o.opts.StaleAfter {
			o.logger.WarnContext(ctx, "batch stalled without forward progress",
				"batch", batch.ID, "open_stages", open, "stale_for", time.Since(lastChange).String())
			if o.opts.ObserveStale != nil {
				o.opts.ObserveStale(ctx, batch.ID)
			}
			warned = true
		}
	}
}

func (o *Orchestrator) enabledStages(batch *contracts.Batch) []contracts.Stage {
	stages := []contracts.Stage{contracts.StageClassification}
	for _, s := range contracts.EnrichmentStages {
		if batch.StageEnabled(s) {
			stages = append(stages, s)
		}
	}
	return stages
}

func (o *Orchestrator) setStageStatus(ctx context.Context, batchID string, stage contracts.Stage, status contracts.StageStatus) {
	if err := o.store.SetStageStatus(ctx, batchID, stage, status); err != nil {
		o.logger.WarnContext(ctx, "set stage status failed", "batch", batchID, "stage", string(stage), "error", err)
	}
}

func (o *Orchestrator) listAllRecords(ctx context.Context, batchID string) ([]*contracts.Record, error) {
	page := o.opts.SubBatchSize
	var all []*contracts.Record
	for offset := 0; ; offset += page {
		recs, err := o.store.ListRecords(ctx, batchID, page, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
		if len(recs) < page {
			return all, nil
		}
	}
}

func (o *Orchestrator) registerCancel(batchID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[batchID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) dropCancel(batchID string) {
	o.mu.Lock()
	delete(o.cancels, batchID)
	o.mu.Unlock()
}
