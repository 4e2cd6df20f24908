package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps the audit trail in SQLite so the API can query it back.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite audit database.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	// WAL keeps readers from blocking the recording path.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			id           TEXT PRIMARY KEY,
			time         TEXT NOT NULL,
			caller       TEXT NOT NULL,
			channel      TEXT NOT NULL DEFAULT '',
			command_type TEXT NOT NULL,
			action       TEXT NOT NULL,
			raw          TEXT NOT NULL,
			rewritten    TEXT NOT NULL DEFAULT '',
			decision     TEXT NOT NULL,
			error_kind   TEXT NOT NULL DEFAULT '',
			exit_code    INTEGER NOT NULL DEFAULT 0,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			stdout       TEXT NOT NULL DEFAULT '',
			stderr       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_records(time)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_caller ON audit_records(caller)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Record inserts one entry.
func (s *Store) Record(ctx context.Context, rec Record) error {
	rec.Fill()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_records
			(id, time, caller, channel, command_type, action, raw, rewritten,
			 decision, error_kind, exit_code, duration_ms, stdout, stderr)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UTC().Format(time.RFC3339Nano), rec.Caller, rec.Channel,
		rec.CommandType, rec.Action, rec.Raw, rec.Rewritten,
		string(rec.Decision), rec.ErrorKind, rec.ExitCode, rec.DurationMS,
		rec.Stdout, rec.Stderr,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, caller, channel, command_type, action, raw, rewritten,
			decision, error_kind, exit_code, duration_ms, stdout, stderr
		 FROM audit_records ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts, decision string
		if err := rows.Scan(&rec.ID, &ts, &rec.Caller, &rec.Channel,
			&rec.CommandType, &rec.Action, &rec.Raw, &rec.Rewritten,
			&decision, &rec.ErrorKind, &rec.ExitCode, &rec.DurationMS,
			&rec.Stdout, &rec.Stderr); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Decision = Decision(decision)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Time = parsed
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
