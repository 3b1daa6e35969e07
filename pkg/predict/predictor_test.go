package predict_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerworks/payeeflow/pkg/capability"
	"github.com/ledgerworks/payeeflow/pkg/predict"
)

func TestPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-pred", r.Header.Get("Authorization"))
		var req struct {
			ModelID string            `json:"modelId"`
			Payee   predict.PayeeData `json:"payeeData"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "model-7", req.ModelID)
		require.Equal(t, "acme widgets", req.Payee.CleanedName)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictedPaymentSuccess":  0.88,
			"confidence":               0.75,
			"riskFactors":              []string{"new payee"},
			"recommendedPaymentMethod": "ACH",
			"fraudRiskScore":           0.12,
		})
	}))
	defer srv.Close()

	p := predict.NewHTTPPredictor("sk-pred", "model-7", srv.URL)
	got, err := p.Predict(context.Background(), predict.PayeeData{
		CleanedName: "acme widgets",
		PayeeType:   "Business",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.88, got.PaymentSuccess)
	assert.Equal(t, []string{"new payee"}, got.RiskFactors)
	assert.Equal(t, "ACH", got.RecommendedPaymentMethod)
	require.NotNil(t, got.PredictionDate)
}

func TestPredict_AuthFailureIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := predict.NewHTTPPredictor("bad", "m", srv.URL).Predict(context.Background(), predict.PayeeData{})
	require.Error(t, err)
	assert.True(t, capability.IsAuthError(err))
	assert.False(t, capability.IsRetryable(err))
}
