// Package merchant resolves long-running bulk searches against the card
// network. Submissions return immediately with a collaborator-issued search
// id; results arrive through webhooks with a polling sweeper as fallback,
// and result application is idempotent per record.
package merchant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/capability"
)

// Bulk result statuses reported by the card network.
const (
	ResultInProgress = "IN_PROGRESS"
	ResultCompleted  = "COMPLETED"
	ResultCancelled  = "CANCELLED"
	ResultNoMatch    = "NO_MATCH"
)

// Search is one row of a bulk submission. SearchRequestID is the per-row
// correlation id minted by us and echoed back in results.
type Search struct {
	SearchRequestID string `json:"searchRequestId"`
	BusinessName    string `json:"businessName"`
	Address         string `json:"address,omitempty"`
	City            string `json:"city,omitempty"`
	State           string `json:"state,omitempty"`
	PostalCode      string `json:"postalCode,omitempty"`
}

// ResultItem is one row of a bulk result.
type ResultItem struct {
	SearchRequestID     string   `json:"searchRequestId"`
	MatchStatus         string   `json:"matchStatus"`
	Confidence          float64  `json:"confidence"`
	BusinessName        string   `json:"businessName,omitempty"`
	TaxID               string   `json:"taxId,omitempty"`
	MerchantIDs         []string `json:"merchantIds,omitempty"`
	MCC                 string   `json:"mcc,omitempty"`
	MCCGroup            string   `json:"mccGroup,omitempty"`
	Address             string   `json:"address,omitempty"`
	City                string   `json:"city,omitempty"`
	State               string   `json:"state,omitempty"`
	PostalCode          string   `json:"postalCode,omitempty"`
	TransactionRecency  string   `json:"transactionRecency,omitempty"`
	CommercialHistory   string   `json:"commercialHistory,omitempty"`
	SmallBusiness       bool     `json:"smallBusiness,omitempty"`
	LastTransactionDate string   `json:"lastTransactionDate,omitempty"`
	DataQualityLevel    string   `json:"dataQualityLevel,omitempty"`
}

// BulkResults is a poll response.
type BulkResults struct {
	Status string       `json:"status"`
	Items  []ResultItem `json:"items"`
}

// CardNetwork is the outbound bulk-search capability.
type CardNetwork interface {
	// SubmitBulk submits up to the collaborator's batch limit of searches and
	// returns the issued bulk search id.
	SubmitBulk(ctx context.Context, searches []Search) (string, error)
	// GetSearchResults polls the status of a submitted bulk search.
	GetSearchResults(ctx context.Context, bulkSearchID string) (*BulkResults, error)
}

// HTTPCardNetwork talks to the card network REST API.
type HTTPCardNetwork struct {
	consumerKey string
	privateKey  string
	baseURL     string
	client      *http.Client
}

// Environment base URLs.
const (
	sandboxBaseURL    = "https://sandbox.api.mastercard.com/track/search"
	productionBaseURL = "https://api.mastercard.com/track/search"
)

// NewHTTPCardNetwork creates a client for the given environment
// ("sandbox" or "production"). An explicit baseURL overrides both, which the
// tests use.
func NewHTTPCardNetwork(consumerKey, privateKey, env, baseURL string) *HTTPCardNetwork {
	if baseURL == "" {
		baseURL = sandboxBaseURL
		if env == "production" {
			baseURL = productionBaseURL
		}
	}
	return &HTTPCardNetwork{
		consumerKey: consumerKey,
		privateKey:  privateKey,
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type submitRequest struct {
	LookupType string   `json:"lookupType"`
	Searches   []Search `json:"searches"`
}

type submitResponse struct {
	BulkSearchID string `json:"bulkSearchId"`
}

func (c *HTTPCardNetwork) SubmitBulk(ctx context.Context, searches []Search) (string, error) {
	body, err := json.Marshal(submitRequest{LookupType: "SUPPLIERS", Searches: searches})
	if err != nil {
		return "", fmt.Errorf("merchant: marshal submit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bulk-searches", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("merchant: create request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", capability.NewStatusError("merchant submit", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("merchant: decode submit response: %w", err)
	}
	if out.BulkSearchID == "" {
		return "", fmt.Errorf("merchant: submit ack missing bulkSearchId")
	}
	return out.BulkSearchID, nil
}

func (c *HTTPCardNetwork) GetSearchResults(ctx context.Context, bulkSearchID string) (*BulkResults, error) {
	url := fmt.Sprintf("%s/bulk-searches/%s/results", c.baseURL, bulkSearchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("merchant: create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, capability.NewStatusError("merchant results", resp.StatusCode)
	}
	var out BulkResults
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("merchant: decode results: %w", err)
	}
	return &out, nil
}

func (c *HTTPCardNetwork) authorize(req *http.Request) {
	// The production API uses OAuth 1.0a request signing; the signed header
	// is assembled by the gateway sidecar in our deployments, so the client
	// only attaches the consumer identity.
	req.Header.Set("X-Consumer-Key", c.consumerKey)
}
