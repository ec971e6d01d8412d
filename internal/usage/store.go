// Package usage persists the append-only tool-call log and enforces
// the monthly quota derived from it. The log is the source of truth
// for quota accounting; there is no materialized counter.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome classifies one tool-call attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeError          Outcome = "error"
	OutcomeQuotaExhausted Outcome = "quota-exhausted"
)

// Record is one usage-log row. Exactly one row is written per
// tool-call attempt, denials included.
type Record struct {
	ID           int64     `json:"id"`
	TenantID     string    `json:"tenant_id"`
	CredentialID string    `json:"credential_id"`
	Tool         string    `json:"tool"`
	Outcome      Outcome   `json:"outcome"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store handles usage-log persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new usage store with SQLite backend
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		credential_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		outcome TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_tenant_time ON usage_log(tenant_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Append writes one usage row. A zero Timestamp is filled with the
// current time; all timestamps are stored in UTC.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (tenant_id, credential_id, tool, outcome, duration_ms, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.CredentialID, rec.Tool, string(rec.Outcome), rec.DurationMS, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage row: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// CountSince counts every usage row for the tenant with a timestamp at
// or after since.
func (s *Store) CountSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_log WHERE tenant_id = ? AND timestamp >= ?`,
		tenantID, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// ListRecent returns the newest rows for a tenant, most recent first.
func (s *Store) ListRecent(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, credential_id, tool, outcome, duration_ms, timestamp FROM usage_log WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var (
			rec     Record
			outcome string
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.CredentialID, &rec.Tool, &outcome, &rec.DurationMS, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// PruneBefore deletes rows older than cutoff and returns how many were
// removed. The retention job keeps cutoff older than the current quota
// month so counting is never affected.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_log WHERE timestamp < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
