package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

func (s *SQLStore) CreateBatch(ctx context.Context, b *contracts.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(`INSERT INTO batches (
		id, original_name, stored_name, file_hash, status,
		total_records, processed_records, skipped_records,
		enabled_stages, address_column_map, created_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	stages := marshalJSON(b.EnabledStages)
	colMap := marshalJSON(b.AddressColumnMap)
	if colMap == "" {
		colMap = "{}"
	}
	_, err = tx.ExecContext(ctx, query,
		b.ID, b.OriginalName, b.StoredName, b.FileHash, string(b.Status),
		b.TotalRecords, b.ProcessedRecords, b.SkippedRecords,
		stages, colMap, fmtTime(b.CreatedAt), fmtTimePtr(b.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	stageQ := s.q(`INSERT INTO batch_stages (batch_id, stage, status, total, processed, succeeded)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for stage, p := range b.Stages {
		if _, err := tx.ExecContext(ctx, stageQ, b.ID, string(stage), string(p.Status), p.Total, p.Processed, p.Succeeded); err != nil {
			return fmt.Errorf("insert batch stage %s: %w", stage, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetBatch(ctx context.Context, id string) (*contracts.Batch, error) {
	query := s.q(`SELECT id, original_name, stored_name, file_hash, status,
		total_records, processed_records, skipped_records,
		enabled_stages, address_column_map, created_at, completed_at
		FROM batches WHERE id = ?`)

	b, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	stageQ := s.q(`SELECT stage, status, total, processed, succeeded FROM batch_stages WHERE batch_id = ?`)
	rows, err := s.db.QueryContext(ctx, stageQ, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	b.Stages = make(map[contracts.Stage]*contracts.StageProgress)
	for rows.Next() {
		var stage, status string
		p := &contracts.StageProgress{}
		if err := rows.Scan(&stage, &status, &p.Total, &p.Processed, &p.Succeeded); err != nil {
			return nil, err
		}
		p.Status = contracts.StageStatus(status)
		b.Stages[contracts.Stage(stage)] = p
	}
	return b, rows.Err()
}

func (s *SQLStore) ListBatches(ctx context.Context, limit int) ([]*contracts.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.q(`SELECT id, original_name, stored_name, file_hash, status,
		total_records, processed_records, skipped_records,
		enabled_stages, address_column_map, created_at, completed_at
		FROM batches ORDER BY created_at DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var batches []*contracts.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *SQLStore) UpdateBatchStatus(ctx context.Context, id string, status contracts.BatchStatus) error {
	var query string
	var args []any
	switch status {
	case contracts.BatchCompleted, contracts.BatchFailed, contracts.BatchCancelled:
		query = s.q(`UPDATE batches SET status = ?, completed_at = ? WHERE id = ?`)
		args = []any{string(status), fmtTime(nowUTC()), id}
	default:
		query = s.q(`UPDATE batches SET status = ? WHERE id = ?`)
		args = []any{string(status), id}
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) SetStageProgress(ctx context.Context, batchID string, stage contracts.Stage, p contracts.StageProgress) error {
	var query string
	if s.dialect == DialectPostgres {
		query = s.q(`INSERT INTO batch_stages (batch_id, stage, status, total, processed, succeeded)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (batch_id, stage) DO UPDATE SET
			status = EXCLUDED.status, total = EXCLUDED.total,
			processed = EXCLUDED.processed, succeeded = EXCLUDED.succeeded`)
	} else {
		query = `INSERT INTO batch_stages (batch_id, stage, status, total, processed, succeeded)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (batch_id, stage) DO UPDATE SET
			status = excluded.status, total = excluded.total,
			processed = excluded.processed, succeeded = excluded.succeeded`
	}
	_, err := s.db.ExecContext(ctx, query, batchID, string(stage), string(p.Status), p.Total, p.Processed, p.Succeeded)
	return err
}

// SetStageStatus updates only the stage's status on the batch row, leaving
// the counters to the atomic bumps.
func (s *SQLStore) SetStageStatus(ctx context.Context, batchID string, stage contracts.Stage, status contracts.StageStatus) error {
	query := s.q(`UPDATE batch_stages SET status = ? WHERE batch_id = ? AND stage = ?`)
	_, err := s.db.ExecContext(ctx, query, string(status), batchID, string(stage))
	return err
}

func (s *SQLStore) BumpStageCounters(ctx context.Context, batchID string, stage contracts.Stage, processed, succeeded int) error {
	query := s.q(`UPDATE batch_stages SET processed = processed + ?, succeeded = succeeded + ?
		WHERE batch_id = ? AND stage = ?`)
	_, err := s.db.ExecContext(ctx, query, processed, succeeded, batchID, string(stage))
	return err
}

func (s *SQLStore) BumpBatchCounters(ctx context.Context, batchID string, processed, skipped int) error {
	query := s.q(`UPDATE batches SET processed_records = processed_records + ?,
		skipped_records = skipped_records + ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, processed, skipped, batchID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*contracts.Batch, error) {
	var (
		b          contracts.Batch
		status     string
		stagesJSON string
		colMapJSON string
		createdAt  string
		doneAt     sql.NullString
	)
	err := row.Scan(&b.ID, &b.OriginalName, &b.StoredName, &b.FileHash, &status,
		&b.TotalRecords, &b.ProcessedRecords, &b.SkippedRecords,
		&stagesJSON, &colMapJSON, &createdAt, &doneAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Status = contracts.BatchStatus(status)
	_ = json.Unmarshal([]byte(stagesJSON), &b.EnabledStages)
	_ = json.Unmarshal([]byte(colMapJSON), &b.AddressColumnMap)
	b.CreatedAt = parseTime(createdAt)
	b.CompletedAt = parseTimePtr(doneAt)
	return &b, nil
}
