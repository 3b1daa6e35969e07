package merchant_test

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerworks/payeeflow/pkg/capability"
	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/merchant"
	"github.com/ledgerworks/payeeflow/pkg/pipeline"
	"github.com/ledgerworks/payeeflow/pkg/store"
)

func fastRetry() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond}
}

type fakeNetwork struct {
	mu          sync.Mutex
	nextID      int
	submitErr   []error // popped per submission
	results     map[string]*merchant.BulkResults
	resultErr   map[string]error
	submissions [][]merchant.Search
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		results:   make(map[string]*merchant.BulkResults),
		resultErr: make(map[string]error),
	}
}

func (f *fakeNetwork) SubmitBulk(ctx context.Context, searches []merchant.Search) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErr) > 0 {
		err := f.submitErr[0]
		f.submitErr = f.submitErr[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	f.submissions = append(f.submissions, searches)
	return "bulk-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeNetwork) GetSearchResults(ctx context.Context, id string) (*merchant.BulkResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resultErr[id]; err != nil {
		return nil, err
	}
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return &merchant.BulkResults{Status: merchant.ResultInProgress}, nil
}

func setup(t *testing.T) (*store.SQLStore, *fakeNetwork, *merchant.Tracker) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	net := newFakeNetwork()
	return s, net, merchant.NewTracker(s, net, 3000, 1000)
}

func seedMerchantRecords(t *testing.T, s *store.SQLStore, batchID string, ids ...string) []*contracts.Record {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	b := &contracts.Batch{
		ID: batchID, OriginalName: "payees.csv", Status: contracts.BatchProcessing,
		TotalRecords:  len(ids),
		EnabledStages: []contracts.Stage{contracts.StageMerchant},
		Stages: map[contracts.Stage]*contracts.StageProgress{
			contracts.StageMerchant: {Status: contracts.StageInProgress, Total: len(ids)},
		},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateBatch(ctx, b))

	var recs []*contracts.Record
	for _, id := range ids {
		r := &contracts.Record{
			ID: id, BatchID: batchID, OriginalName: id, CleanedName: id,
			Stages: map[contracts.Stage]*contracts.StageState{
				contracts.StageMerchant: {Status: contracts.StagePending, UpdatedAt: now},
			},
			CreatedAt: now, UpdatedAt: now,
		}
		recs = append(recs, r)
	}
	require.NoError(t, s.CreateRecords(ctx, recs))
	return recs
}

func activeSearch(t *testing.T, s *store.SQLStore, batchID string) *contracts.AsyncSearchRequest {
	t.Helper()
	active, err := s.ListActiveSearches(context.Background(), time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	for _, req := range active {
		if req.BatchID == batchID {
			return req
		}
	}
	t.Fatal("no active search for batch")
	return nil
}

func TestSubmit_MarksRecordsInProgress(t *testing.T) {
	s, net, tr := setup(t)
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1", "r2")

	require.NoError(t, tr.SubmitRecords(ctx, "b1", recs))
	require.Len(t, net.submissions, 1)
	assert.Len(t, net.submissions[0], 2)

	req := activeSearch(t, s, "b1")
	assert.Equal(t, contracts.SearchSubmitted, req.Status)
	assert.Len(t, req.Mapping, 2)
	assert.NotEmpty(t, req.PayloadHash)

	r, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageInProgress, r.StageStatusOf(contracts.StageMerchant))
}

func TestSubmit_SplitsAtMaxBatchSize(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	net := newFakeNetwork()
	tr := merchant.NewTracker(s, net, 2, 1000)

	recs := seedMerchantRecords(t, s, "b1", "r1", "r2", "r3")
	require.NoError(t, tr.SubmitRecords(context.Background(), "b1", recs))
	require.Len(t, net.submissions, 2)
	assert.Len(t, net.submissions[0], 2)
	assert.Len(t, net.submissions[1], 1)
}

func TestWebhookBeforePoll(t *testing.T) {
	s, net, tr := setup(t)
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1", "r2")
	require.NoError(t, tr.SubmitRecords(ctx, "b1", recs))

	req := activeSearch(t, s, "b1")
	var correlations []string
	for c := range req.Mapping {
		correlations = append(correlations, c)
	}
	net.results[req.SearchID] = &merchant.BulkResults{
		Status: merchant.ResultCompleted,
		Items: []merchant.ResultItem{
			{SearchRequestID: correlations[0], MatchStatus: "MATCH", Confidence: 0.9, BusinessName: "Resolved Co", MCC: "5812"},
		},
	}

	// Webhook arrives first.
	require.NoError(t, tr.HandleEvent(ctx, merchant.EventResultsReady, req.SearchID))

	got, err := s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchCompleted, got.Status)

	// The matched record completed; the unmatched one is NO_MATCH but still
	// merchant-completed.
	matched, err := s.GetRecord(ctx, req.Mapping[correlations[0]])
	require.NoError(t, err)
	require.NotNil(t, matched.Merchant)
	assert.Equal(t, contracts.MerchantMatch, matched.Merchant.MatchStatus)
	assert.Equal(t, "5812", matched.Merchant.MCC)

	// Poller runs later and observes terminal: no further mutation.
	sw := merchant.NewSweeper(tr, time.Minute, time.Nanosecond, 10)
	sw.Sweep(ctx)
	after, err := s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, got.CompletedAt.Unix(), after.CompletedAt.Unix())
	assert.Equal(t, got.PollAttempts, after.PollAttempts)
}

func TestPollAfterWebhookLost(t *testing.T) {
	s, net, tr := setup(t)
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1", "r2")
	require.NoError(t, tr.SubmitRecords(ctx, "b1", recs))

	req := activeSearch(t, s, "b1")
	sw := merchant.NewSweeper(tr, time.Minute, time.Nanosecond, 10)

	// First sweep: still in progress.
	sw.Sweep(ctx)
	got, err := s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchPolling, got.Status)
	assert.Equal(t, 1, got.PollAttempts)

	// Results become available; the next sweep resolves.
	net.results[req.SearchID] = &merchant.BulkResults{Status: merchant.ResultCompleted}
	sw.Sweep(ctx)

	got, err = s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchCompleted, got.Status)
	assert.Equal(t, 2, got.PollAttempts)

	r, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageCompleted, r.StageStatusOf(contracts.StageMerchant))
	assert.Equal(t, contracts.MerchantNoMatch, r.Merchant.MatchStatus)
}

func TestNoMatchForAll(t *testing.T) {
	s, net, tr := setup(t)
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1", "r2")
	require.NoError(t, tr.SubmitRecords(ctx, "b1", recs))

	req := activeSearch(t, s, "b1")
	net.results[req.SearchID] = &merchant.BulkResults{Status: merchant.ResultNoMatch}
	require.NoError(t, tr.HandleEvent(ctx, merchant.EventResultsReady, req.SearchID))

	got, err := s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchNoMatch, got.Status)

	for _, id := range []string{"r1", "r2"} {
		r, err := s.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, contracts.StageCompleted, r.StageStatusOf(contracts.StageMerchant))
		assert.Equal(t, contracts.MerchantNoMatch, r.Merchant.MatchStatus)
	}
}

func TestSubmit_TransientFailureRetries(t *testing.T) {
	s, net, tr := setup(t)
	tr.WithRetry(fastRetry())
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1", "r2")

	net.submitErr = []error{
		capability.NewStatusError("merchant submit", http.StatusServiceUnavailable),
		capability.NewStatusError("merchant submit", http.StatusTooManyRequests),
	}
	require.NoError(t, tr.SubmitRecords(ctx, "b1", recs))
	require.Len(t, net.submissions, 1)

	req := activeSearch(t, s, "b1")
	assert.Equal(t, contracts.SearchSubmitted, req.Status)
	r, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageInProgress, r.StageStatusOf(contracts.StageMerchant))
}

func TestSubmit_TransientFailureExhaustsRetries(t *testing.T) {
	s, net, tr := setup(t)
	tr.WithRetry(fastRetry())
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1", "r2")

	// No search request row exists when submission itself fails, so the
	// records must go terminal rather than sit in pending forever.
	net.submitErr = []error{
		capability.NewStatusError("merchant submit", http.StatusInternalServerError),
		capability.NewStatusError("merchant submit", http.StatusInternalServerError),
		capability.NewStatusError("merchant submit", http.StatusInternalServerError),
	}
	err := tr.SubmitRecords(ctx, "b1", recs)
	require.Error(t, err)
	assert.True(t, capability.IsRetryable(err))

	for _, id := range []string{"r1", "r2"} {
		r, err := s.GetRecord(ctx, id)
		require.NoError(t, err)
		st := r.Stages[contracts.StageMerchant]
		assert.Equal(t, contracts.StageFailed, st.Status)
		assert.Contains(t, st.Error, "submission failed")
	}

	b, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Stages[contracts.StageMerchant].Processed)
	assert.Equal(t, 0, b.Stages[contracts.StageMerchant].Succeeded)
}

func TestAuthFailureMidBatch(t *testing.T) {
	s, net, tr := setup(t)
	ctx := context.Background()

	okRecs := seedMerchantRecords(t, s, "b1", "r1")
	require.NoError(t, tr.SubmitRecords(ctx, "b1", okRecs))

	// Second submission hits a 401; its records fail, first batch unaffected.
	now := time.Now().UTC()
	second := &contracts.Record{
		ID: "r2", BatchID: "b1", OriginalName: "r2", CleanedName: "r2",
		Stages: map[contracts.Stage]*contracts.StageState{
			contracts.StageMerchant: {Status: contracts.StagePending, UpdatedAt: now},
		},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateRecords(ctx, []*contracts.Record{second}))

	net.submitErr = []error{capability.NewStatusError("merchant submit", http.StatusUnauthorized)}
	err := tr.SubmitRecords(ctx, "b1", []*contracts.Record{second})
	require.Error(t, err)
	assert.True(t, capability.IsAuthError(err))

	r2, err := s.GetRecord(ctx, "r2")
	require.NoError(t, err)
	st := r2.Stages[contracts.StageMerchant]
	assert.Equal(t, contracts.StageFailed, st.Status)
	assert.Contains(t, st.Error, "authentication")

	r1, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageInProgress, r1.StageStatusOf(contracts.StageMerchant))
}

func TestCancelBatch(t *testing.T) {
	s, net, tr := setup(t)
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1", "r2")
	require.NoError(t, tr.SubmitRecords(ctx, "b1", recs))
	req := activeSearch(t, s, "b1")

	require.NoError(t, tr.CancelBatch(ctx, "b1"))

	got, err := s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchCancelled, got.Status)

	r, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	st := r.Stages[contracts.StageMerchant]
	assert.Equal(t, contracts.StageFailed, st.Status)
	assert.Contains(t, st.Error, "cancelled")

	// Late webhook for the cancelled search is a no-op.
	net.results[req.SearchID] = &merchant.BulkResults{Status: merchant.ResultCompleted}
	require.NoError(t, tr.HandleEvent(ctx, merchant.EventResultsReady, req.SearchID))
	got, err = s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchCancelled, got.Status)
}

func TestPoll404_FailsTerminally(t *testing.T) {
	s, net, tr := setup(t)
	ctx := context.Background()
	recs := seedMerchantRecords(t, s, "b1", "r1")
	require.NoError(t, tr.SubmitRecords(ctx, "b1", recs))
	req := activeSearch(t, s, "b1")

	net.resultErr[req.SearchID] = capability.NewStatusError("merchant results", http.StatusNotFound)
	sw := merchant.NewSweeper(tr, time.Minute, time.Nanosecond, 10)
	sw.Sweep(ctx)

	got, err := s.GetSearchRequest(ctx, req.SearchID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchFailed, got.Status)

	r, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StageFailed, r.StageStatusOf(contracts.StageMerchant))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"eventId":"ev-1"}`)
	sig := merchant.SignBody("secret", body)
	assert.True(t, merchant.VerifySignature("secret", body, sig))
	assert.False(t, merchant.VerifySignature("other", body, sig))
	assert.False(t, merchant.VerifySignature("secret", []byte(`tampered`), sig))
}
