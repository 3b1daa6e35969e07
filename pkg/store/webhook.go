package store

import (
	"context"
	"fmt"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

// InsertWebhookEvent stores an inbound event. The event_id primary key makes
// duplicate deliveries a conflict-free no-op; the bool return tells the
// caller whether this delivery was the first.
func (s *SQLStore) InsertWebhookEvent(ctx context.Context, e *contracts.WebhookEvent) (bool, error) {
	query := s.q(`INSERT INTO webhook_events
		(event_id, event_type, bulk_request_id, payload, processed, processed_at, error_message, received_at)
		VALUES (?, ?, ?, ?, 0, NULL, '', ?)
		ON CONFLICT (event_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		e.EventID, e.EventType, e.BulkRequestID, nullBytes(e.Payload), fmtTime(e.ReceivedAt))
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) MarkWebhookProcessed(ctx context.Context, eventID string, errMsg string) error {
	query := s.q(`UPDATE webhook_events SET processed = 1, processed_at = ?, error_message = ?
		WHERE event_id = ?`)
	_, err := s.db.ExecContext(ctx, query, fmtTime(nowUTC()), errMsg, eventID)
	return err
}
