package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "payeeflow", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackStageJob(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackStageJob(context.Background(), contracts.StageClassification, "b1")
	require.NotNil(t, ctx)
	time.Sleep(time.Millisecond)
	finish(nil)

	// Failure path must not panic either.
	_, finish = p.TrackStageJob(context.Background(), contracts.StageMerchant, "b1")
	finish(errors.New("boom"))

	p.RecordStaleBatch(context.Background(), "b1")
}

func TestAttributeHelpers(t *testing.T) {
	attrs := StageJob(contracts.StageSupplier, "b1")
	require.Len(t, attrs, 2)
	require.Equal(t, "payeeflow.stage", string(attrs[0].Key))
	require.Equal(t, "supplier", attrs[0].Value.AsString())

	attrs = SearchOperation("srch-1", contracts.SearchPolling, 3)
	require.Len(t, attrs, 3)
	require.Equal(t, int64(3), attrs[2].Value.AsInt64())

	attrs = BatchOperation("b1", contracts.BatchEnriching, 42)
	require.Len(t, attrs, 3)
	require.Equal(t, "enriching", attrs[1].Value.AsString())
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
