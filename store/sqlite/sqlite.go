// Package sqlite implements a durable reploid.AuditLogger using pure-Go
// SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	reploid "github.com/clocksmith/reploid"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug
// logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is an append-only audit log backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ reploid.AuditLogger = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// A single shared connection serializes all goroutines through one
// writer, eliminating SQLITE_BUSY errors from concurrent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: audit store opened", "path", dbPath)
	return s
}

// Init creates the audit table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		payload TEXT
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(timestamp)`)
	if err != nil {
		return fmt.Errorf("sqlite: init index: %w", err)
	}
	return nil
}

// Log appends one record.
func (s *Store) Log(ctx context.Context, rec reploid.AuditRecord) error {
	start := time.Now()
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event_type, timestamp, level, payload) VALUES (?, ?, ?, ?)`,
		rec.EventType, rec.Timestamp, rec.Level, string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: insert audit record: %w", err)
	}
	s.logger.Debug("sqlite: audit record written", "event_type", rec.EventType, "took", time.Since(start))
	return nil
}

// Query returns records in [from, to] (Unix milliseconds), newest first,
// optionally filtered by event type. limit <= 0 means no limit.
func (s *Store) Query(ctx context.Context, eventType string, from, to int64, limit int) ([]reploid.AuditRecord, error) {
	q := `SELECT event_type, timestamp, level, payload FROM audit_log WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{from, to}
	if eventType != "" {
		q += ` AND event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY timestamp DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query audit log: %w", err)
	}
	defer rows.Close()

	var out []reploid.AuditRecord
	for rows.Next() {
		var rec reploid.AuditRecord
		var payload string
		if err := rows.Scan(&rec.EventType, &rec.Timestamp, &rec.Level, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit record: %w", err)
		}
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &rec.Payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
