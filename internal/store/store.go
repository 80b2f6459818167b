// Package store provides SQLite-backed persistence for the relay audit log.
//
// Run and runner state is deliberately in memory; only decision records are
// written here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/relay/internal/models"
)

// Store provides access to the relay SQLite database.
type Store struct {
	db    *sql.DB
	retry retryConfig
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, retry: defaultRetryConfig}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		run_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_run_id ON audit(run_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WriteAudit appends a decision record.
func (s *Store) WriteAudit(action, inputsHash, outcome, runID, details string) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		RunID:      runID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	err := retryOp(s.retry, func() error {
		_, err := s.db.Exec(
			`INSERT INTO audit (id, action, inputs_hash, outcome, run_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.RunID, entry.Details, entry.Timestamp,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}
	return entry, nil
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	RunID string
	Limit int
}

// ListAudit returns decision records, newest first.
func (s *Store) ListAudit(f AuditFilter) ([]models.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, action, inputs_hash, outcome, COALESCE(run_id, ''), COALESCE(details, ''), timestamp FROM audit`
	args := []interface{}{}
	if f.RunID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &e.RunID, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountAudit returns the number of stored decision records.
func (s *Store) CountAudit() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
