package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerworks/payeeflow/pkg/capability"
	"github.com/ledgerworks/payeeflow/pkg/classify"
	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/exclusion"
	"github.com/ledgerworks/payeeflow/pkg/normalize"
	"github.com/ledgerworks/payeeflow/pkg/predict"
	"github.com/ledgerworks/payeeflow/pkg/store"
	"github.com/ledgerworks/payeeflow/pkg/supplier"

	addrpkg "github.com/ledgerworks/payeeflow/pkg/address"
)

type stubClassifier struct {
	err error
}

func (c *stubClassifier) Classify(ctx context.Context, name string) (*classify.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &classify.Result{PayeeType: contracts.PayeeBusiness, Confidence: 0.9, Reasoning: "stub"}, nil
}

type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context, in addrpkg.Input) (*contracts.ValidatedAddress, error) {
	return &contracts.ValidatedAddress{
		FormattedAddress: in.Address + ", " + in.City,
		City:             in.City,
		Confidence:       0.9,
		ValidationStatus: "validated",
	}, nil
}

type stubPredictor struct{}

func (stubPredictor) Predict(ctx context.Context, data predict.PayeeData) (*contracts.Prediction, error) {
	return &contracts.Prediction{PaymentSuccess: 0.8, Confidence: 0.7}, nil
}

// instantMerchant resolves every submitted record synchronously, standing in
// for the tracker plus an immediate webhook.
type instantMerchant struct {
	store *store.SQLStore

	mu        sync.Mutex
	cancelled []string
}

func (m *instantMerchant) SubmitRecords(ctx context.Context, batchID string, records []*contracts.Record) error {
	for _, rec := range records {
		if err := m.store.MarkStageInProgress(ctx, rec.ID, contracts.StageMerchant); err != nil {
			return err
		}
		applied, err := m.store.CompleteStage(ctx, rec.ID, contracts.StageMerchant,
			&contracts.MerchantEnrichment{MatchStatus: contracts.MerchantMatch, Confidence: 0.85})
		if err != nil {
			return err
		}
		if applied {
			if err := m.store.BumpStageCounters(ctx, batchID, contracts.StageMerchant, 1, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *instantMerchant) CancelBatch(ctx context.Context, batchID string) error {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, batchID)
	m.mu.Unlock()
	return nil
}

// stuckMerchant accepts submissions but never resolves them.
type stuckMerchant struct{}

func (stuckMerchant) SubmitRecords(ctx context.Context, batchID string, records []*contracts.Record) error {
	return nil
}

func (stuckMerchant) CancelBatch(ctx context.Context, batchID string) error { return nil }

type failFilter struct{}

func (failFilter) Match(ctx context.Context, name string) (string, error) {
	return "", errors.New("keyword source unavailable")
}

func newTestOrchestrator(t *testing.T, s *store.SQLStore, classifier classify.Classifier) (*Orchestrator, *instantMerchant) {
	t.Helper()
	matcher := supplier.NewMatcher(s, 0.7, 10)
	filter := exclusion.New(s, time.Minute)
	m := &instantMerchant{store: s}
	workers := StageWorkers{
		Classify: NewClassifyWorker(classifier),
		Supplier: NewSupplierWorker(matcher),
		Address:  NewAddressWorker(stubValidator{}),
		Predict:  NewPredictWorker(stubPredictor{}),
	}
	o := NewOrchestrator(s, workers, m, filter, Options{
		Retry:                      RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Max: 5 * time.Millisecond},
		AwaitMerchantForPrediction: true,
		WatchInterval:              10 * time.Millisecond,
	})
	return o, m
}

func seedPipelineBatch(t *testing.T, s *store.SQLStore, id string, stages []contracts.Stage, recs []*contracts.Record) {
	t.Helper()
	now := time.Now().UTC()
	b := &contracts.Batch{
		ID:            id,
		OriginalName:  "payees.csv",
		Status:        contracts.BatchPending,
		TotalRecords:  len(recs),
		EnabledStages: stages,
		Stages:        map[contracts.Stage]*contracts.StageProgress{},
		CreatedAt:     now,
	}
	for _, st := range stages {
		b.Stages[st] = &contracts.StageProgress{Status: contracts.StagePending, Total: len(recs)}
	}
	require.NoError(t, s.CreateBatch(context.Background(), b))

	for _, r := range recs {
		r.BatchID = id
		r.CleanedName = normalize.Name(r.OriginalName)
		r.Stages = map[contracts.Stage]*contracts.StageState{}
		for _, st := range stages {
			r.Stages[st] = &contracts.StageState{Status: contracts.StagePending, UpdatedAt: now}
		}
		r.CreatedAt = now
		r.UpdatedAt = now
	}
	require.NoError(t, s.CreateRecords(context.Background(), recs))
}

func TestProcessBatch_ExclusionShortCircuit(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateKeyword(ctx, &contracts.ExclusionKeyword{
		ID: "k1", Keyword: "bank", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertSuppliers(ctx, []*contracts.KnownSupplier{
		{SupplierID: "s1", Name: "Acme Widgets Inc", NormalizedName: "acme widgets", NameLength: 12},
	}))

	allStages := contracts.AllStages
	recs := []*contracts.Record{
		{ID: "r1", OriginalName: "Bank of America"},
		{ID: "r2", OriginalName: "Acme Widgets Inc", Address: "1 Main St", City: "Springfield"},
	}
	seedPipelineBatch(t, s, "b1", allStages, recs)

	o, _ := newTestOrchestrator(t, s, &stubClassifier{})
	o.ProcessBatch(ctx, "b1")

	batch, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BatchCompleted, batch.Status)
	assert.Equal(t, 2, batch.ProcessedRecords)
	assert.Equal(t, 1, batch.SkippedRecords)

	r1, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r1.IsExcluded)
	assert.Equal(t, "bank", r1.ExclusionKeyword)
	assert.Equal(t, contracts.StageCompleted, r1.StageStatusOf(contracts.StageClassification))
	for _, st := range []contracts.Stage{contracts.StageSupplier, contracts.StageMerchant, contracts.StagePrediction} {
		assert.Equal(t, contracts.StageSkipped, r1.StageStatusOf(st), string(st))
		assert.Equal(t, "excluded", r1.Stages[st].Error)
	}
	// No address on the excluded record either, so the stage skips for its
	// own reason.
	assert.Equal(t, contracts.StageSkipped, r1.StageStatusOf(contracts.StageAddress))
	assert.Equal(t, "no address provided", r1.Stages[contracts.StageAddress].Error)

	r2, err := s.GetRecord(ctx, "r2")
	require.NoError(t, err)
	assert.False(t, r2.IsExcluded)
	for _, st := range contracts.AllStages {
		assert.Equal(t, contracts.StageCompleted, r2.StageStatusOf(st), string(st))
	}
	require.NotNil(t, r2.Supplier)
	assert.Equal(t, "s1", r2.Supplier.SupplierID)
	require.NotNil(t, r2.Merchant)
	assert.Equal(t, contracts.MerchantMatch, r2.Merchant.MatchStatus)
	require.NotNil(t, r2.Prediction)

	p := Project(batch)
	assert.InDelta(t, 100, p.Percent, 0.001)
}

func TestProcessBatch_AllClassificationsFail(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	recs := []*contracts.Record{
		{ID: "r1", OriginalName: "Acme"},
		{ID: "r2", OriginalName: "Globex"},
	}
	stages := []contracts.Stage{contracts.StageClassification}
	seedPipelineBatch(t, s, "b1", stages, recs)

	bad := &stubClassifier{err: capability.NewStatusError("classifier", http.StatusBadRequest)}
	o, _ := newTestOrchestrator(t, s, bad)
	o.ProcessBatch(ctx, "b1")

	batch, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BatchFailed, batch.Status)
	// The batch-level stage status reflects that nothing succeeded.
	assert.Equal(t, contracts.StageFailed, batch.Stages[contracts.StageClassification].Status)

	r1, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageFailed, r1.StageStatusOf(contracts.StageClassification))
	assert.NotEmpty(t, r1.Stages[contracts.StageClassification].Error)
}

func TestProcessBatch_FilterErrorStillCountsRecords(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	recs := []*contracts.Record{
		{ID: "r1", OriginalName: "Acme"},
		{ID: "r2", OriginalName: "Globex"},
	}
	stages := []contracts.Stage{contracts.StageClassification}
	seedPipelineBatch(t, s, "b1", stages, recs)

	workers := StageWorkers{Classify: NewClassifyWorker(&stubClassifier{})}
	o := NewOrchestrator(s, workers, &instantMerchant{store: s}, failFilter{}, Options{
		Retry:         RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Max: 5 * time.Millisecond},
		WatchInterval: 10 * time.Millisecond,
	})
	o.ProcessBatch(ctx, "b1")

	batch, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BatchCompleted, batch.Status)
	assert.Equal(t, 2, batch.ProcessedRecords)
	assert.Equal(t, 0, batch.SkippedRecords)
}

func TestProcessBatch_StaleBatchObserved(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	recs := []*contracts.Record{{ID: "r1", OriginalName: "Acme"}}
	stages := []contracts.Stage{contracts.StageClassification, contracts.StageMerchant}
	seedPipelineBatch(t, s, "b1", stages, recs)

	var stale atomic.Int32
	workers := StageWorkers{Classify: NewClassifyWorker(&stubClassifier{})}
	o := NewOrchestrator(s, workers, stuckMerchant{}, exclusion.New(s, time.Minute), Options{
		Retry:         RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Max: 5 * time.Millisecond},
		WatchInterval: 5 * time.Millisecond,
		StaleAfter:    15 * time.Millisecond,
		ObserveStale: func(ctx context.Context, batchID string) {
			assert.Equal(t, "b1", batchID)
			stale.Add(1)
		},
	})

	// The merchant stage never resolves, so the watcher sees no forward
	// progress and reports the stall.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.ProcessBatch(ctx, "b1")
	}()

	assert.Eventually(t, func() bool { return stale.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestProcessBatch_SkipsNonPendingBatch(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	recs := []*contracts.Record{{ID: "r1", OriginalName: "Acme"}}
	seedPipelineBatch(t, s, "b1", []contracts.Stage{contracts.StageClassification}, recs)
	require.NoError(t, s.UpdateBatchStatus(ctx, "b1", contracts.BatchCompleted))

	o, _ := newTestOrchestrator(t, s, &stubClassifier{})
	o.ProcessBatch(ctx, "b1")

	r1, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StagePending, r1.StageStatusOf(contracts.StageClassification))
}

func TestCancelBatch(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	recs := []*contracts.Record{
		{ID: "r1", OriginalName: "Acme"},
		{ID: "r2", OriginalName: "Globex"},
	}
	stages := []contracts.Stage{contracts.StageClassification, contracts.StageMerchant}
	seedPipelineBatch(t, s, "b1", stages, recs)

	o, m := newTestOrchestrator(t, s, &stubClassifier{})
	require.NoError(t, o.CancelBatch(ctx, "b1"))

	batch, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BatchCancelled, batch.Status)
	assert.Equal(t, []string{"b1"}, m.cancelled)

	r1, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageCancelled, r1.StageStatusOf(contracts.StageClassification))
	assert.Equal(t, contracts.StageCancelled, r1.StageStatusOf(contracts.StageMerchant))
}

func TestBatchQueue(t *testing.T) {
	q := NewBatchQueue(1)
	require.NoError(t, q.Enqueue("b1"))
	assert.ErrorIs(t, q.Enqueue("b2"), ErrQueueFull)

	ctx, cancel := context.WithCancel(context.Background())
	processed := make(chan string, 1)
	go q.Run(ctx, func(_ context.Context, id string) { processed <- id })

	select {
	case id := <-processed:
		assert.Equal(t, "b1", id)
	case <-time.After(time.Second):
		t.Fatal("batch was not processed")
	}
	cancel()

	assert.Eventually(t, func() bool {
		return q.Enqueue("b3") == ErrQueueClosed
	}, time.Second, 10*time.Millisecond)
}
