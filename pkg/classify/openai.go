package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/capability"
)

const systemPrompt = `You classify payee names for a payments platform.
Answer with a single JSON object:
{"payeeType": one of ["Individual","Business","Government","Insurance","Banking","Internal Transfer","Unknown"],
 "confidence": number between 0 and 1,
 "sicCode": optional 4-digit SIC code,
 "sicDescription": optional SIC description,
 "reasoning": one short sentence}`

// OpenAIClassifier implements Classifier against an OpenAI-compatible chat
// completions endpoint.
type OpenAIClassifier struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIClassifier creates a classifier. baseURL is either an
// OpenAI-compatible API root (".../v1") or a full chat-completions endpoint;
// empty means the public OpenAI API.
func NewOpenAIClassifier(apiKey, model, baseURL string) *OpenAIClassifier {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/chat/completions") {
		baseURL += "/chat/completions"
	}
	return &OpenAIClassifier{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type classifierAnswer struct {
	PayeeType      string  `json:"payeeType"`
	Confidence     float64 `json:"confidence"`
	SicCode        string  `json:"sicCode"`
	SicDescription string  `json:"sicDescription"`
	Reasoning      string  `json:"reasoning"`
}

func (c *OpenAIClassifier) Classify(ctx context.Context, cleanedName string) (*Result, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: cleanedName},
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("classifier: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("classifier: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, capability.NewStatusError("classifier", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("classifier: decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("classifier: empty choices")
	}

	content := strings.TrimSpace(chat.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var answer classifierAnswer
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return nil, fmt.Errorf("classifier: parse answer: %w", err)
	}
	return Validate(answer.PayeeType, answer.Confidence, answer.SicCode, answer.SicDescription, answer.Reasoning), nil
}
