package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/normalize"
)

func (s *SQLStore) CreateKeyword(ctx context.Context, k *contracts.ExclusionKeyword) error {
	folded := normalize.Name(k.Keyword)
	if folded == "" {
		return fmt.Errorf("keyword %q normalizes to empty", k.Keyword)
	}
	query := s.q(`INSERT INTO exclusion_keywords
		(id, keyword, keyword_folded, added_by, notes, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	active := 0
	if k.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		k.ID, k.Keyword, folded, k.AddedBy, k.Notes, active,
		fmtTime(k.CreatedAt), fmtTime(k.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert keyword: %w", err)
	}
	return nil
}

func (s *SQLStore) GetKeyword(ctx context.Context, id string) (*contracts.ExclusionKeyword, error) {
	query := s.q(`SELECT id, keyword, added_by, notes, is_active, created_at, updated_at
		FROM exclusion_keywords WHERE id = ?`)
	return scanKeyword(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) ListKeywords(ctx context.Context) ([]*contracts.ExclusionKeyword, error) {
	query := `SELECT id, keyword, added_by, notes, is_active, created_at, updated_at
		FROM exclusion_keywords ORDER BY keyword_folded`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keywords []*contracts.ExclusionKeyword
	for rows.Next() {
		k, err := scanKeyword(rows)
		if err != nil {
			return nil, err
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

func (s *SQLStore) ActiveKeywords(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT keyword_folded FROM exclusion_keywords WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keywords []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

func (s *SQLStore) UpdateKeyword(ctx context.Context, id string, isActive *bool, notes *string) error {
	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(nowUTC())}
	if isActive != nil {
		active := 0
		if *isActive {
			active = 1
		}
		sets = append(sets, "is_active = ?")
		args = append(args, active)
	}
	if notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *notes)
	}
	args = append(args, id)
	query := s.q(`UPDATE exclusion_keywords SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteKeyword(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM exclusion_keywords WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

func scanKeyword(row rowScanner) (*contracts.ExclusionKeyword, error) {
	var (
		k         contracts.ExclusionKeyword
		active    int
		createdAt string
		updatedAt string
	)
	err := row.Scan(&k.ID, &k.Keyword, &k.AddedBy, &k.Notes, &active, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	k.IsActive = active != 0
	k.CreatedAt = parseTime(createdAt)
	k.UpdatedAt = parseTime(updatedAt)
	return &k, nil
}
