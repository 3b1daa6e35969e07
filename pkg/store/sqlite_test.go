package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedBatch(t *testing.T, s *SQLStore, id string, stages ...contracts.Stage) *contracts.Batch {
	t.Helper()
	b := &contracts.Batch{
		ID:            id,
		OriginalName:  "payees.csv",
		Status:        contracts.BatchPending,
		TotalRecords:  2,
		EnabledStages: stages,
		Stages:        map[contracts.Stage]*contracts.StageProgress{},
		CreatedAt:     time.Now().UTC(),
	}
	for _, st := range stages {
		b.Stages[st] = &contracts.StageProgress{Status: contracts.StagePending, Total: 2}
	}
	require.NoError(t, s.CreateBatch(context.Background(), b))
	return b
}

func seedRecord(t *testing.T, s *SQLStore, id, batchID, name string, stages ...contracts.Stage) *contracts.Record {
	t.Helper()
	now := time.Now().UTC()
	r := &contracts.Record{
		ID:           id,
		BatchID:      batchID,
		OriginalName: name,
		CleanedName:  name,
		Stages:       map[contracts.Stage]*contracts.StageState{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, st := range stages {
		r.Stages[st] = &contracts.StageState{Status: contracts.StagePending, UpdatedAt: now}
	}
	require.NoError(t, s.CreateRecords(context.Background(), []*contracts.Record{r}))
	return r
}

func TestBatchRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedBatch(t, s, "b1", contracts.StageClassification, contracts.StageMerchant)

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BatchPending, got.Status)
	assert.Len(t, got.Stages, 2)
	assert.Equal(t, 2, got.Stages[contracts.StageMerchant].Total)
	assert.True(t, got.StageEnabled(contracts.StageMerchant))
	assert.False(t, got.StageEnabled(contracts.StagePrediction))

	require.NoError(t, s.UpdateBatchStatus(ctx, "b1", contracts.BatchCompleted))
	got, err = s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, contracts.BatchCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteStage_CASDropsLateWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedBatch(t, s, "b1", contracts.StageClassification)
	seedRecord(t, s, "r1", "b1", "acme widgets", contracts.StageClassification)

	first := &contracts.Classification{PayeeType: contracts.PayeeBusiness, Confidence: 0.93}
	applied, err := s.CompleteStage(ctx, "r1", contracts.StageClassification, first)
	require.NoError(t, err)
	assert.True(t, applied)

	// Second application against the now-terminal stage is dropped.
	late := &contracts.Classification{PayeeType: contracts.PayeeIndividual, Confidence: 0.1}
	applied, err = s.CompleteStage(ctx, "r1", contracts.StageClassification, late)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.Classification)
	assert.Equal(t, contracts.PayeeBusiness, got.Classification.PayeeType)
	assert.Equal(t, contracts.StageCompleted, got.StageStatusOf(contracts.StageClassification))
}

func TestFailStage_AfterTerminalIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedBatch(t, s, "b1", contracts.StageMerchant)
	seedRecord(t, s, "r1", "b1", "acme", contracts.StageMerchant)

	ok, err := s.SkipStage(ctx, "r1", contracts.StageMerchant, "excluded")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FailStage(ctx, "r1", contracts.StageMerchant, "boom")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	st := got.Stages[contracts.StageMerchant]
	assert.Equal(t, contracts.StageSkipped, st.Status)
	assert.Equal(t, "excluded", st.Error)
}

func TestListRecordsInStage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedBatch(t, s, "b1", contracts.StageMerchant)
	seedRecord(t, s, "r1", "b1", "one", contracts.StageMerchant)
	seedRecord(t, s, "r2", "b1", "two", contracts.StageMerchant)
	require.NoError(t, s.MarkStageInProgress(ctx, "r2", contracts.StageMerchant))

	pending, err := s.ListRecordsInStage(ctx, "b1", contracts.StageMerchant, contracts.StagePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)

	both, err := s.ListRecordsInStage(ctx, "b1", contracts.StageMerchant,
		contracts.StagePending, contracts.StageInProgress)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	counts, err := s.CountStageStatuses(ctx, "b1", contracts.StageMerchant)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[contracts.StagePending])
	assert.Equal(t, 1, counts[contracts.StageInProgress])
}

func TestKeywordUniqueAfterCasefold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.CreateKeyword(ctx, &contracts.ExclusionKeyword{
		ID: "k1", Keyword: "Bank", IsActive: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	err = s.CreateKeyword(ctx, &contracts.ExclusionKeyword{
		ID: "k2", Keyword: "BANK", IsActive: true, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	active, err := s.ActiveKeywords(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bank"}, active)

	inactive := false
	require.NoError(t, s.UpdateKeyword(ctx, "k1", &inactive, nil))
	active, err = s.ActiveKeywords(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSearchRequest_FirstWriterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &contracts.AsyncSearchRequest{
		SearchID:    "bulk-1",
		BatchID:     "b1",
		Status:      contracts.SearchSubmitted,
		Mapping:     map[string]string{"c1": "r1", "c2": "r2"},
		SubmittedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateSearchRequest(ctx, req))

	// Poll attempt touches the row.
	require.NoError(t, s.TouchSearchRequest(ctx, "bulk-1"))

	ok, err := s.FinishSearchRequest(ctx, "bulk-1", contracts.SearchCompleted, []byte(`{"items":[]}`), "")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second resolution (webhook after poll) is a no-op.
	ok, err = s.FinishSearchRequest(ctx, "bulk-1", contracts.SearchFailed, nil, "late")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSearchRequest(ctx, "bulk-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchCompleted, got.Status)
	assert.Equal(t, 1, got.PollAttempts)
	assert.Equal(t, "r1", got.Mapping["c1"])
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Error)
}

func TestTouchSearchRequest_KeepsWebhookReceived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSearchRequest(ctx, &contracts.AsyncSearchRequest{
		SearchID: "bulk-1", BatchID: "b1", Status: contracts.SearchSubmitted,
		SubmittedAt: time.Now().UTC().Add(-time.Hour),
	}))
	require.NoError(t, s.SetSearchStatus(ctx, "bulk-1", contracts.SearchWebhookReceived))

	// A concurrent poll still counts the attempt but must not flip the
	// request back to polling.
	require.NoError(t, s.TouchSearchRequest(ctx, "bulk-1"))

	got, err := s.GetSearchRequest(ctx, "bulk-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SearchWebhookReceived, got.Status)
	assert.Equal(t, 1, got.PollAttempts)
	assert.NotNil(t, got.LastPolledAt)
}

func TestListActiveSearches_SkipsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-2 * time.Hour)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.CreateSearchRequest(ctx, &contracts.AsyncSearchRequest{
			SearchID: id, BatchID: "b1", Status: contracts.SearchSubmitted, SubmittedAt: old,
		}))
	}
	_, err := s.FinishSearchRequest(ctx, "b", contracts.SearchNoMatch, nil, "")
	require.NoError(t, err)

	active, err := s.ListActiveSearches(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].SearchID)
}

func TestWebhookEvent_Dedupe(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := &contracts.WebhookEvent{
		EventID:       "ev-1",
		EventType:     "BULK_SEARCH_RESULTS_READY",
		BulkRequestID: "bulk-1",
		Payload:       []byte(`{"eventId":"ev-1"}`),
		ReceivedAt:    time.Now().UTC(),
	}
	first, err := s.InsertWebhookEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.InsertWebhookEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, s.MarkWebhookProcessed(ctx, "ev-1", ""))
}

func TestSupplierSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertSuppliers(ctx, []*contracts.KnownSupplier{
		{SupplierID: "s1", Name: "Acme Widgets Inc", NormalizedName: "acme widgets", NameLength: 12},
		{SupplierID: "s2", Name: "Acme", NormalizedName: "acme", NameLength: 4},
		{SupplierID: "s3", Name: "Globex", NormalizedName: "globex", NameLength: 6},
	}))

	got, err := s.SearchSuppliers(ctx, "acme widgets", 10)
	require.NoError(t, err)
	// exact, prefix and reverse-containment candidates; globex excluded.
	ids := make([]string, 0, len(got))
	for _, sup := range got {
		ids = append(ids, sup.SupplierID)
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func TestBumpCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedBatch(t, s, "b1", contracts.StageClassification)
	require.NoError(t, s.BumpStageCounters(ctx, "b1", contracts.StageClassification, 1, 1))
	require.NoError(t, s.BumpBatchCounters(ctx, "b1", 1, 0))

	got, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessedRecords)
	assert.Equal(t, 1, got.Stages[contracts.StageClassification].Processed)
	assert.Equal(t, 1, got.Stages[contracts.StageClassification].Succeeded)
}
