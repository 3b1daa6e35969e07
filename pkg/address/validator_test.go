package address_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerworks/payeeflow/pkg/address"
	"github.com/ledgerworks/payeeflow/pkg/capability"
)

func TestInput_Empty(t *testing.T) {
	assert.True(t, address.Input{}.Empty())
	assert.False(t, address.Input{City: "Springfield"}.Empty())
}

func TestValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		var in address.Input
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "1 Main St", in.Address)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"formattedAddress": "1 Main St, Springfield, IL 62701, USA",
			"city":             "Springfield",
			"state":            "IL",
			"postalCode":       "62701",
			"country":          "USA",
			"confidence":       0.93,
			"placeId":          "place-1",
		})
	}))
	defer srv.Close()

	v := address.NewHTTPValidator("test-key", srv.URL)
	got, err := v.Validate(context.Background(), address.Input{Address: "1 Main St", City: "Springfield"})
	require.NoError(t, err)
	assert.Equal(t, "1 Main St, Springfield, IL 62701, USA", got.FormattedAddress)
	assert.Equal(t, "validated", got.ValidationStatus)
	assert.Equal(t, 0.93, got.Confidence)
}

func TestValidate_LowConfidenceIsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"confidence": 0.3})
	}))
	defer srv.Close()

	got, err := address.NewHTTPValidator("k", srv.URL).Validate(context.Background(), address.Input{City: "x"})
	require.NoError(t, err)
	assert.Equal(t, "partial", got.ValidationStatus)
}

func TestValidate_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := address.NewHTTPValidator("k", srv.URL).Validate(context.Background(), address.Input{City: "x"})
	require.Error(t, err)
	assert.True(t, capability.IsRetryable(err))
}
