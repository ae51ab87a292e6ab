// Package rdcstore persists the resource-discovery directory cache
// (add_rdc/rdc_register/rdc_unregister) and the router's access-denied
// audit log, both backed by sqlite. Application messages never reach disk:
// only directory metadata and audit records are stored.
package rdcstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the core's owned sqlite-backed RDC directory cache and audit
// log.
type Store struct {
	db *sql.DB

	denyCount atomic.Int64
}

// DefaultPath returns the default sqlite file location under the user's
// home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mwcore", "rdc.db")
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema migration. Pass "" to use DefaultPath().
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rdcstore: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("rdcstore: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying *sql.DB for tools that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("rdcstore: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rdcstore: begin migration tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rdc_directory (
			name TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			registered_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			decision TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			subject TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_endpoint ON audit_log(endpoint_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rdcstore: migrate: %w", err)
		}
	}
	return tx.Commit()
}

// retryOnBusy retries f on SQLITE_BUSY/LOCKED with bounded exponential
// backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// RegisterRDC inserts or replaces a resource-discovery service entry
// (rdc_register dispatch entry).
func (s *Store) RegisterRDC(ctx context.Context, name, address string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rdc_directory (name, address, registered_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET address=excluded.address, registered_at=excluded.registered_at`,
			name, address, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// UnregisterRDC removes a resource-discovery service entry
// (rdc_unregister dispatch entry).
func (s *Store) UnregisterRDC(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM rdc_directory WHERE name = ?`, name)
		return err
	})
}

// RDCEntry is one directory row.
type RDCEntry struct {
	Name    string
	Address string
}

// ListRDCs returns every registered resource-discovery service, used by the
// mapper's map_lookup fan-out.
func (s *Store) ListRDCs(ctx context.Context) ([]RDCEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, address FROM rdc_directory ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RDCEntry
	for rows.Next() {
		var e RDCEntry
		if err := rows.Scan(&e.Name, &e.Address); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordAudit appends one access-denial (or other router decision) record.
func (s *Store) RecordAudit(ctx context.Context, decision, endpointID, reason, subject string) {
	if decision == "deny" {
		s.denyCount.Add(1)
	}
	_ = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit_log (timestamp, decision, endpoint_id, reason, subject) VALUES (?, ?, ?, ?, ?)`,
			time.Now().UTC().Format(time.RFC3339Nano), decision, endpointID, reason, subject)
		return err
	})
}

// Record implements router.AuditSink.
func (s *Store) Record(decision, endpointID, reason, subject string) {
	s.RecordAudit(context.Background(), decision, endpointID, reason, subject)
}

// DenyCount returns the total number of deny decisions recorded since the
// store was opened (in-process counter; the audit_log table is the durable
// record).
func (s *Store) DenyCount() int64 {
	return s.denyCount.Load()
}
