package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

// resultColumn maps a stage to the record column carrying its result payload.
var resultColumn = map[contracts.Stage]string{
	contracts.StageClassification: "classification",
	contracts.StageSupplier:       "supplier",
	contracts.StageAddress:        "validated_address",
	contracts.StageMerchant:       "merchant",
	contracts.StagePrediction:     "prediction",
}

func (s *SQLStore) CreateRecords(ctx context.Context, recs []*contracts.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	recQ := s.q(`INSERT INTO records (
		id, batch_id, original_name, cleaned_name, payload,
		address, city, state, postal_code,
		is_excluded, exclusion_keyword, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	stageQ := s.q(`INSERT INTO record_stages (record_id, stage, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?)`)

	for _, r := range recs {
		payload := marshalJSON(r.OriginalPayload)
		if payload == "" {
			payload = "{}"
		}
		excluded := 0
		if r.IsExcluded {
			excluded = 1
		}
		_, err := tx.ExecContext(ctx, recQ,
			r.ID, r.BatchID, r.OriginalName, r.CleanedName, payload,
			r.Address, r.City, r.State, r.PostalCode,
			excluded, r.ExclusionKeyword, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
		for stage, st := range r.Stages {
			if _, err := tx.ExecContext(ctx, stageQ, r.ID, string(stage), string(st.Status), st.Error, fmtTime(st.UpdatedAt)); err != nil {
				return fmt.Errorf("insert record stage: %w", err)
			}
		}
	}
	return tx.Commit()
}

const recordColumns = `id, batch_id, original_name, cleaned_name, payload,
	address, city, state, postal_code, is_excluded, exclusion_keyword,
	classification, supplier, validated_address, merchant, prediction,
	created_at, updated_at`

func (s *SQLStore) GetRecord(ctx context.Context, id string) (*contracts.Record, error) {
	query := s.q(`SELECT ` + recordColumns + ` FROM records WHERE id = ?`)
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadStages(ctx, []*contracts.Record{r}); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) ListRecords(ctx context.Context, batchID string, limit, offset int) ([]*contracts.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.q(`SELECT ` + recordColumns + ` FROM records
		WHERE batch_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*contracts.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadStages(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *SQLStore) ListRecordsInStage(ctx context.Context, batchID string, stage contracts.Stage, statuses ...contracts.StageStatus) ([]*contracts.Record, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := s.q(`SELECT ` + recordColumns + ` FROM records r
		WHERE r.batch_id = ? AND r.id IN (
			SELECT record_id FROM record_stages WHERE stage = ? AND status IN (` + placeholders + `)
		) ORDER BY r.created_at, r.id`)
	args := []any{batchID, string(stage)}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []*contracts.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadStages(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *SQLStore) CountStageStatuses(ctx context.Context, batchID string, stage contracts.Stage) (map[contracts.StageStatus]int, error) {
	query := s.q(`SELECT rs.status, COUNT(*) FROM record_stages rs
		JOIN records r ON r.id = rs.record_id
		WHERE r.batch_id = ? AND rs.stage = ?
		GROUP BY rs.status`)
	rows, err := s.db.QueryContext(ctx, query, batchID, string(stage))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.StageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[contracts.StageStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) MarkStageInProgress(ctx context.Context, recordID string, stage contracts.Stage) error {
	query := s.q(`UPDATE record_stages SET status = ?, updated_at = ?
		WHERE record_id = ? AND stage = ? AND status = ?`)
	_, err := s.db.ExecContext(ctx, query,
		string(contracts.StageInProgress), fmtTime(nowUTC()),
		recordID, string(stage), string(contracts.StagePending))
	return err
}

// CompleteStage writes the stage result and flips the status to completed in
// one transaction. The status guard makes the write a no-op when the stage is
// already terminal.
func (s *SQLStore) CompleteStage(ctx context.Context, recordID string, stage contracts.Stage, result any) (bool, error) {
	col, ok := resultColumn[stage]
	if !ok {
		return false, fmt.Errorf("unknown stage %q", stage)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(nowUTC())
	res, err := tx.ExecContext(ctx, s.q(`UPDATE record_stages SET status = ?, error = '', updated_at = ?
		WHERE record_id = ? AND stage = ? AND status IN (?, ?)`),
		string(contracts.StageCompleted), now,
		recordID, string(stage),
		string(contracts.StagePending), string(contracts.StageInProgress))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Late write against a terminal stage: dropped silently.
		return false, nil
	}

	_, err = tx.ExecContext(ctx, s.q(`UPDATE records SET `+col+` = ?, updated_at = ? WHERE id = ?`),
		marshalJSON(result), now, recordID)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLStore) FailStage(ctx context.Context, recordID string, stage contracts.Stage, errMsg string) (bool, error) {
	return s.terminalStage(ctx, recordID, stage, contracts.StageFailed, errMsg)
}

func (s *SQLStore) SkipStage(ctx context.Context, recordID string, stage contracts.Stage, reason string) (bool, error) {
	return s.terminalStage(ctx, recordID, stage, contracts.StageSkipped, reason)
}

func (s *SQLStore) CancelStage(ctx context.Context, recordID string, stage contracts.Stage, reason string) (bool, error) {
	return s.terminalStage(ctx, recordID, stage, contracts.StageCancelled, reason)
}

func (s *SQLStore) terminalStage(ctx context.Context, recordID string, stage contracts.Stage, status contracts.StageStatus, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE record_stages SET status = ?, error = ?, updated_at = ?
		WHERE record_id = ? AND stage = ? AND status IN (?, ?)`),
		string(status), msg, fmtTime(nowUTC()),
		recordID, string(stage),
		string(contracts.StagePending), string(contracts.StageInProgress))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) SetExcluded(ctx context.Context, recordID, keyword string) error {
	query := s.q(`UPDATE records SET is_excluded = 1, exclusion_keyword = ?, updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, keyword, fmtTime(nowUTC()), recordID)
	return err
}

func (s *SQLStore) loadStages(ctx context.Context, recs []*contracts.Record) error {
	if len(recs) == 0 {
		return nil
	}
	byID := make(map[string]*contracts.Record, len(recs))
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(recs)), ", ")
	args := make([]any, 0, len(recs))
	for _, r := range recs {
		r.Stages = make(map[contracts.Stage]*contracts.StageState)
		byID[r.ID] = r
		args = append(args, r.ID)
	}
	query := s.q(`SELECT record_id, stage, status, error, updated_at
		FROM record_stages WHERE record_id IN (` + placeholders + `)`)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var recordID, stage, status, errMsg, updatedAt string
		if err := rows.Scan(&recordID, &stage, &status, &errMsg, &updatedAt); err != nil {
			return err
		}
		if r, ok := byID[recordID]; ok {
			r.Stages[contracts.Stage(stage)] = &contracts.StageState{
				Status:    contracts.StageStatus(status),
				Error:     errMsg,
				UpdatedAt: parseTime(updatedAt),
			}
		}
	}
	return rows.Err()
}

func scanRecord(row rowScanner) (*contracts.Record, error) {
	var (
		r              contracts.Record
		payload        string
		excluded       int
		classification sql.NullString
		supplier       sql.NullString
		validAddr      sql.NullString
		merchant       sql.NullString
		prediction     sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(&r.ID, &r.BatchID, &r.OriginalName, &r.CleanedName, &payload,
		&r.Address, &r.City, &r.State, &r.PostalCode, &excluded, &r.ExclusionKeyword,
		&classification, &supplier, &validAddr, &merchant, &prediction,
		&createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.IsExcluded = excluded != 0
	_ = json.Unmarshal([]byte(payload), &r.OriginalPayload)
	if classification.Valid && classification.String != "" {
		r.Classification = &contracts.Classification{}
		unmarshalInto(classification, r.Classification)
	}
	if supplier.Valid && supplier.String != "" {
		r.Supplier = &contracts.SupplierMatch{}
		unmarshalInto(supplier, r.Supplier)
	}
	if validAddr.Valid && validAddr.String != "" {
		r.ValidAddress = &contracts.ValidatedAddress{}
		unmarshalInto(validAddr, r.ValidAddress)
	}
	if merchant.Valid && merchant.String != "" {
		r.Merchant = &contracts.MerchantEnrichment{}
		unmarshalInto(merchant, r.Merchant)
	}
	if prediction.Valid && prediction.String != "" {
		r.Prediction = &contracts.Prediction{}
		unmarshalInto(prediction, r.Prediction)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}
