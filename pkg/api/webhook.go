package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/merchant"
)

// webhookSchema validates the card network's notification envelope before
// any of it is persisted.
var webhookSchema = jsonschema.MustCompileString("webhook.json", `{
	"type": "object",
	"required": ["eventId", "eventType", "data"],
	"properties": {
		"eventId": {"type": "string", "minLength": 1},
		"eventType": {"type": "string", "minLength": 1},
		"eventCreatedDate": {"type": "string"},
		"data": {
			"type": "object",
			"required": ["bulkRequestId"],
			"properties": {
				"bulkRequestId": {"type": "string", "minLength": 1},
				"errors": {"type": "array"}
			}
		}
	}
}`)

type webhookEnvelope struct {
	EventID          string `json:"eventId"`
	EventType        string `json:"eventType"`
	EventCreatedDate string `json:"eventCreatedDate"`
	Data             struct {
		BulkRequestID string `json:"bulkRequestId"`
	} `json:"data"`
}

// handleWebhook authenticates, validates and deduplicates a card-network
// notification, then hands it to background processing. It answers 204
// quickly regardless of the downstream outcome; the poller covers anything
// lost after acknowledgement.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}

	signature := r.Header.Get(merchant.SignatureHeader)
	if s.webhookSecret == "" || !merchant.VerifySignature(s.webhookSecret, body, signature) {
		s.logger.WarnContext(r.Context(), "webhook signature rejected")
		WriteUnauthorized(w, "invalid signature")
		return
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteBadRequest(w, "body is not valid JSON")
		return
	}
	if err := webhookSchema.Validate(payload); err != nil {
		WriteBadRequest(w, "body does not match the notification schema")
		return
	}
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		WriteBadRequest(w, "body is not a notification envelope")
		return
	}

	first, err := s.store.InsertWebhookEvent(r.Context(), &contracts.WebhookEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		BulkRequestID: env.Data.BulkRequestID,
		Payload:       body,
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if !first {
		// Duplicate delivery; already acknowledged once.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	go s.processWebhookEvent(env.EventID, env.EventType, env.Data.BulkRequestID)
	w.WriteHeader(http.StatusNoContent)
}

// processWebhookEvent runs after the HTTP response; it gets its own context
// with a generous deadline for the result fetch.
func (s *Server) processWebhookEvent(eventID, eventType, bulkRequestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	errMsg := ""
	if err := s.events.HandleEvent(ctx, eventType, bulkRequestID); err != nil {
		errMsg = err.Error()
		s.logger.ErrorContext(ctx, "webhook processing failed",
			"event", eventID, "bulk_request", bulkRequestID, "error", err)
	}
	if err := s.store.MarkWebhookProcessed(ctx, eventID, errMsg); err != nil {
		s.logger.ErrorContext(ctx, "mark webhook processed failed", "event", eventID, "error", err)
	}
}

func (s *Server) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"webhookEnabled":   s.events != nil,
		"secretConfigured": s.webhookSecret != "",
	})
}
