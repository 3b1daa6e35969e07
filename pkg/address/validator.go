// Package address provides the postal address validation capability:
// canonical formatted address, parsed components, geocoordinates and a
// confidence score.
package address

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

// Input is the raw address fields taken from a record.
type Input struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
}

// Empty reports whether there is nothing to validate.
func (in Input) Empty() bool {
	return in.Address == "" && in.City == "" && in.State == "" && in.PostalCode == ""
}

// Validator is the outbound address validation capability.
type Validator interface {
	Validate(ctx context.Context, in Input) (*contracts.ValidatedAddress, error)
}

// HTTPValidator calls a Google-style address validation endpoint.
type HTTPValidator struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewHTTPValidator creates a validator against the given endpoint.
func NewHTTPValidator(apiKey, baseURL string) *HTTPValidator {
	return &HTTPValidator{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type validateResponse struct {
	FormattedAddress string  `json:"formattedAddress"`
	StreetNumber     string  `json:"streetNumber"`
	Street           string  `json:"street"`
	City             string  `json:"city"`
	State            string  `json:"state"`
	PostalCode       string  `json:"postalCode"`
	Country          string  `json:"country"`
	Latitude         float64 `json:"lat"`
	Longitude        float64 `json:"lon"`
	Confidence       float64 `json:"confidence"`
	PlaceID          string  `json:"placeId"`
}

func (v *HTTPValidator) Validate(ctx context.Context, in Input) (*contracts.ValidatedAddress, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("address: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("address: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, capability.NewStatusError("address validator", resp.StatusCode)
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("address: decode response: %w", err)
	}

	status := "validated"
	if out.Confidence < 0.5 {
		status = "partial"
	}
	return &contracts.ValidatedAddress{
		FormattedAddress: out.FormattedAddress,
		StreetNumber:     out.StreetNumber,
		Street:           out.Street,
		City:             out.City,
		State:            out.State,
		PostalCode:       out.PostalCode,
		Country:          out.Country,
		Latitude:         out.Latitude,
		Longitude:        out.Longitude,
		Confidence:       out.Confidence,
		ValidationStatus: status,
		PlaceID:          out.PlaceID,
	}, nil
}
