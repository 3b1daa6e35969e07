// Package predict provides the payment-outcome prediction capability.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/capability"
	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

// PayeeData is the feature payload sent to the prediction model. It is
// assembled from classification and enrichment outputs already on the record.
type PayeeData struct {
	CleanedName     string  `json:"cleanedName"`
	PayeeType       string  `json:"payeeType"`
	Confidence      float64 `json:"confidence"`
	SicCode         string  `json:"sicCode,omitempty"`
	MCC             string  `json:"mcc,omitempty"`
	State           string  `json:"state,omitempty"`
	HasValidAddress bool    `json:"hasValidAddress"`
	MerchantMatched bool    `json:"merchantMatched"`
	SmallBusiness   bool    `json:"smallBusiness,omitempty"`
}

// Predictor is the outbound prediction capability.
type Predictor interface {
	Predict(ctx context.Context, data PayeeData) (*contracts.Prediction, error)
}

// HTTPPredictor calls an ML prediction endpoint with a configured model id.
type HTTPPredictor struct {
	apiKey  string
	modelID string
	baseURL string
	client  *http.Client
}

// NewHTTPPredictor creates a predictor.
func NewHTTPPredictor(apiKey, modelID, baseURL string) *HTTPPredictor {
	return &HTTPPredictor{
		apiKey:  apiKey,
		modelID: modelID,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

type predictRequest struct {
	ModelID string    `json:"modelId"`
	Payee   PayeeData `json:"payeeData"`
}

type predictResponse struct {
	PredictedPaymentSuccess  float64  `json:"predictedPaymentSuccess"`
	Confidence               float64  `json:"confidence"`
	RiskFactors              []string `json:"riskFactors"`
	RecommendedPaymentMethod string   `json:"recommendedPaymentMethod"`
	FraudRiskScore           float64  `json:"fraudRiskScore"`
}

func (p *HTTPPredictor) Predict(ctx context.Context, data PayeeData) (*contracts.Prediction, error) {
	body, err := json.Marshal(predictRequest{ModelID: p.modelID, Payee: data})
	if err != nil {
		return nil, fmt.Errorf("predictor: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("predictor: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, capability.NewStatusError("predictor", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("predictor: decode response: %w", err)
	}
	now := time.Now().UTC()
	return &contracts.Prediction{
		PaymentSuccess:           out.PredictedPaymentSuccess,
		Confidence:               out.Confidence,
		RiskFactors:              out.RiskFactors,
		RecommendedPaymentMethod: out.RecommendedPaymentMethod,
		FraudRiskScore:           out.FraudRiskScore,
		PredictionDate:           &now,
	}, nil
}
