// Package postgres implements a durable reploid.AuditLogger using
// PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	reploid "github.com/clocksmith/reploid"
)

// Store is an append-only audit log backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ reploid.AuditLogger = (*Store)(nil)

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the audit table and its timestamp index.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		level TEXT NOT NULL,
		payload JSONB
	)`)
	if err != nil {
		return fmt.Errorf("postgres: init: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(timestamp)`)
	if err != nil {
		return fmt.Errorf("postgres: init index: %w", err)
	}
	return nil
}

// Log appends one record.
func (s *Store) Log(ctx context.Context, rec reploid.AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event_type, timestamp, level, payload) VALUES ($1, $2, $3, $4)`,
		rec.EventType, rec.Timestamp, rec.Level, payload)
	if err != nil {
		return fmt.Errorf("postgres: insert audit record: %w", err)
	}
	return nil
}

// Query returns records in [from, to] (Unix milliseconds), newest first,
// optionally filtered by event type. limit <= 0 means no limit.
func (s *Store) Query(ctx context.Context, eventType string, from, to int64, limit int) ([]reploid.AuditRecord, error) {
	q := `SELECT event_type, timestamp, level, payload FROM audit_log
		WHERE timestamp >= $1 AND timestamp <= $2`
	args := []any{from, to}
	if eventType != "" {
		q += ` AND event_type = $3`
		args = append(args, eventType)
	}
	q += ` ORDER BY timestamp DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit log: %w", err)
	}
	defer rows.Close()

	var out []reploid.AuditRecord
	for rows.Next() {
		var rec reploid.AuditRecord
		var payload []byte
		if err := rows.Scan(&rec.EventType, &rec.Timestamp, &rec.Level, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan audit record: %w", err)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &rec.Payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
