package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL placeholder style and conflict syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStore implements Store over database/sql. Queries are written with `?`
// placeholders and rebound to `$n` for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (and migrates) a SQLite-backed store. Use ":memory:" for
// tests.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	s := &SQLStore{db: db, dialect: DialectSQLite}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens (and migrates) a Postgres-backed store.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &SQLStore{db: db, dialect: DialectPostgres}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle without migrating. Used by
// tests with sqlmock.
func NewWithDB(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// q rebinds `?` placeholders to `$n` for Postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			original_name TEXT NOT NULL,
			stored_name TEXT NOT NULL DEFAULT '',
			file_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_records INTEGER NOT NULL DEFAULT 0,
			processed_records INTEGER NOT NULL DEFAULT 0,
			skipped_records INTEGER NOT NULL DEFAULT 0,
			enabled_stages TEXT NOT NULL DEFAULT '[]',
			address_column_map TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS batch_stages (
			batch_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0,
			succeeded INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (batch_id, stage)
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			original_name TEXT NOT NULL,
			cleaned_name TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			address TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			postal_code TEXT NOT NULL DEFAULT '',
			is_excluded INTEGER NOT NULL DEFAULT 0,
			exclusion_keyword TEXT NOT NULL DEFAULT '',
			classification TEXT,
			supplier TEXT,
			validated_address TEXT,
			merchant TEXT,
			prediction TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_batch ON records (batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_cleaned ON records (cleaned_name)`,
		`CREATE TABLE IF NOT EXISTS record_stages (
			record_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (record_id, stage)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_record_stages_status ON record_stages (stage, status)`,
		`CREATE TABLE IF NOT EXISTS exclusion_keywords (
			id TEXT PRIMARY KEY,
			keyword TEXT NOT NULL,
			keyword_folded TEXT NOT NULL UNIQUE,
			added_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS suppliers (
			supplier_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			normalized_name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			mcc TEXT NOT NULL DEFAULT '',
			industry TEXT NOT NULL DEFAULT '',
			payment_type TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			name_length INTEGER NOT NULL DEFAULT 0,
			has_business_indicator INTEGER NOT NULL DEFAULT 0,
			common_name_score REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suppliers_normalized ON suppliers (normalized_name)`,
		`CREATE TABLE IF NOT EXISTS search_requests (
			search_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			record_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			request_payload TEXT,
			response_payload TEXT,
			payload_hash TEXT NOT NULL DEFAULT '',
			mapping TEXT NOT NULL DEFAULT '{}',
			poll_attempts INTEGER NOT NULL DEFAULT 0,
			last_polled_at TEXT,
			submitted_at TEXT NOT NULL,
			completed_at TEXT,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_search_requests_status ON search_requests (status, submitted_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			bulk_request_id TEXT NOT NULL DEFAULT '',
			payload TEXT,
			processed INTEGER NOT NULL DEFAULT 0,
			processed_at TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- shared scan helpers ---

func nowUTC() time.Time { return time.Now().UTC() }

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalInto(raw sql.NullString, v any) {
	if raw.Valid && raw.String != "" {
		_ = json.Unmarshal([]byte(raw.String), v)
	}
}
