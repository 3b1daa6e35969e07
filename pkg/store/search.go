package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

func (s *SQLStore) CreateSearchRequest(ctx context.Context, req *contracts.AsyncSearchRequest) error {
	query := s.q(`INSERT INTO search_requests (
		search_id, batch_id, record_id, status, request_payload, response_payload,
		payload_hash, mapping, poll_attempts, last_polled_at, submitted_at,
		completed_at, error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	mapping := marshalJSON(req.Mapping)
	if mapping == "" {
		mapping = "{}"
	}
	_, err := s.db.ExecContext(ctx, query,
		req.SearchID, req.BatchID, req.RecordID, string(req.Status),
		nullBytes(req.RequestPayload), nullBytes(req.ResponsePayload),
		req.PayloadHash, mapping, req.PollAttempts,
		fmtTimePtr(req.LastPolledAt), fmtTime(req.SubmittedAt),
		fmtTimePtr(req.CompletedAt), req.Error)
	if err != nil {
		return fmt.Errorf("insert search request: %w", err)
	}
	return nil
}

const searchColumns = `search_id, batch_id, record_id, status, request_payload,
	response_payload, payload_hash, mapping, poll_attempts, last_polled_at,
	submitted_at, completed_at, error`

func (s *SQLStore) GetSearchRequest(ctx context.Context, searchID string) (*contracts.AsyncSearchRequest, error) {
	query := s.q(`SELECT ` + searchColumns + ` FROM search_requests WHERE search_id = ?`)
	return scanSearch(s.db.QueryRowContext(ctx, query, searchID))
}

func (s *SQLStore) ListActiveSearches(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.AsyncSearchRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.q(`SELECT ` + searchColumns + ` FROM search_requests
		WHERE status IN (?, ?, ?) AND submitted_at <= ?
		ORDER BY submitted_at LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query,
		string(contracts.SearchSubmitted),
		string(contracts.SearchPolling),
		string(contracts.SearchWebhookReceived),
		fmtTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reqs []*contracts.AsyncSearchRequest
	for rows.Next() {
		req, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// FinishSearchRequest is first-writer-wins: the guard on the current status
// makes the second webhook-vs-poll resolution a no-op.
func (s *SQLStore) FinishSearchRequest(ctx context.Context, searchID string, status contracts.SearchStatus, responsePayload []byte, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	query := s.q(`UPDATE search_requests
		SET status = ?, response_payload = COALESCE(?, response_payload),
		    completed_at = ?, error = ?
		WHERE search_id = ? AND status IN (?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query,
		string(status), nullBytes(responsePayload), fmtTime(nowUTC()), errMsg,
		searchID,
		string(contracts.SearchSubmitted),
		string(contracts.SearchPolling),
		string(contracts.SearchWebhookReceived))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchSearchRequest records a poll attempt. A webhook_received request keeps
// its status; the state machine has no transition back to polling.
func (s *SQLStore) TouchSearchRequest(ctx context.Context, searchID string) error {
	query := s.q(`UPDATE search_requests
		SET status = CASE WHEN status = ? THEN status ELSE ? END,
		    poll_attempts = poll_attempts + 1, last_polled_at = ?
		WHERE search_id = ? AND status IN (?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		string(contracts.SearchWebhookReceived),
		string(contracts.SearchPolling), fmtTime(nowUTC()), searchID,
		string(contracts.SearchSubmitted),
		string(contracts.SearchPolling),
		string(contracts.SearchWebhookReceived))
	return err
}

func (s *SQLStore) SetSearchStatus(ctx context.Context, searchID string, status contracts.SearchStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("set status cannot be terminal %q", status)
	}
	query := s.q(`UPDATE search_requests SET status = ?
		WHERE search_id = ? AND status IN (?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		string(status), searchID,
		string(contracts.SearchSubmitted),
		string(contracts.SearchPolling),
		string(contracts.SearchWebhookReceived))
	return err
}

func (s *SQLStore) DeleteSearchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.q(`DELETE FROM search_requests
		WHERE submitted_at < ? AND status IN (?, ?, ?, ?)`)
	res, err := s.db.ExecContext(ctx, query, fmtTime(cutoff),
		string(contracts.SearchCompleted),
		string(contracts.SearchFailed),
		string(contracts.SearchCancelled),
		string(contracts.SearchNoMatch))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func scanSearch(row rowScanner) (*contracts.AsyncSearchRequest, error) {
	var (
		req      contracts.AsyncSearchRequest
		status   string
		reqBody  sql.NullString
		respBody sql.NullString
		mapping  string
		polledAt sql.NullString
		subAt    string
		doneAt   sql.NullString
	)
	err := row.Scan(&req.SearchID, &req.BatchID, &req.RecordID, &status,
		&reqBody, &respBody, &req.PayloadHash, &mapping, &req.PollAttempts,
		&polledAt, &subAt, &doneAt, &req.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	req.Status = contracts.SearchStatus(status)
	if reqBody.Valid {
		req.RequestPayload = []byte(reqBody.String)
	}
	if respBody.Valid {
		req.ResponsePayload = []byte(respBody.String)
	}
	unmarshalInto(sql.NullString{String: mapping, Valid: true}, &req.Mapping)
	req.LastPolledAt = parseTimePtr(polledAt)
	req.SubmittedAt = parseTime(subAt)
	req.CompletedAt = parseTimePtr(doneAt)
	return &req, nil
}
