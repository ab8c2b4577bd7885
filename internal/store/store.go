// Package store persists liquidation records in an embedded SQLite database.
// Memory (the ring buffer) is authoritative for the live view; the store
// exists for durability across restarts and for the retention window.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"liqflow/internal/models"
)

// timestampLayout is fixed width so stored timestamps order lexically the
// same way they order chronologically.
const timestampLayout = "2006-01-02T15:04:05.000Z"

const schema = `
CREATE TABLE IF NOT EXISTS liquidations (
    id          TEXT PRIMARY KEY,
    timestamp   TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    price       REAL NOT NULL,
    quantity    REAL NOT NULL,
    value       REAL NOT NULL,
    time        TEXT NOT NULL,
    time_source TEXT NOT NULL DEFAULT 'exchange',
    UNIQUE(timestamp, symbol, side, value)
);
CREATE INDEX IF NOT EXISTS idx_liquidations_timestamp ON liquidations(timestamp);
`

// purgeDuplicates removes rows violating the secondary uniqueness tuple,
// keeping the first occurrence. Guards against databases written before the
// UNIQUE constraint existed.
const purgeDuplicates = `
DELETE FROM liquidations
WHERE rowid NOT IN (
    SELECT MIN(rowid) FROM liquidations
    GROUP BY timestamp, symbol, side, value
)`

// Store wraps the SQLite handle. Safe for concurrent use; writes serialize
// on a single connection so the idempotent insert contract holds under a
// backfill-then-stream race.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, applies the schema
// and purges any historical duplicate rows.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(purgeDuplicates); err != nil {
		db.Close()
		return nil, fmt.Errorf("purge duplicates: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertIfAbsent persists a record. Inserting a record whose natural key (or
// secondary uniqueness tuple) already exists is a silent no-op: the stream
// redelivers messages across reconnects.
func (s *Store) InsertIfAbsent(ctx context.Context, rec models.LiquidationRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO liquidations
            (id, timestamp, symbol, side, price, quantity, value, time, time_source)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timestampLayout),
		rec.Symbol,
		string(rec.Side),
		rec.Price,
		rec.Quantity,
		rec.Value,
		rec.DisplayTime,
		string(rec.TimeSource),
	)
	if err != nil {
		return fmt.Errorf("insert liquidation: %w", err)
	}
	return nil
}

// LoadRecent returns up to limit records with an event time inside the
// window, ordered oldest first so callers can replay them into the ring
// buffer in insertion order. When more than limit rows qualify the most
// recent ones win.
func (s *Store) LoadRecent(ctx context.Context, window time.Duration, limit int) ([]models.LiquidationRecord, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timestampLayout)
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, timestamp, symbol, side, price, quantity, value, time, time_source
        FROM liquidations
        WHERE timestamp >= ?
        ORDER BY timestamp DESC
        LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent: %w", err)
	}
	defer rows.Close()

	recent, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	// reverse to chronological order
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

// LoadOlderThan returns every record with an event time before the cutoff,
// oldest first. Used by the sweeper to hand expiring rows to the archiver
// before deleting them.
func (s *Store) LoadOlderThan(ctx context.Context, cutoff time.Time) ([]models.LiquidationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, timestamp, symbol, side, price, quantity, value, time, time_source
        FROM liquidations
        WHERE timestamp < ?
        ORDER BY timestamp ASC`, cutoff.UTC().Format(timestampLayout))
	if err != nil {
		return nil, fmt.Errorf("load older than: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// DeleteOlderThan removes every record with an event time before the cutoff
// and reports the number of rows deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM liquidations WHERE timestamp < ?`,
		cutoff.UTC().Format(timestampLayout))
	if err != nil {
		return 0, fmt.Errorf("delete older than: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Count reports the number of persisted records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM liquidations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count liquidations: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]models.LiquidationRecord, error) {
	var out []models.LiquidationRecord
	for rows.Next() {
		var (
			rec        models.LiquidationRecord
			ts         string
			side       string
			timeSource string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Symbol, &side, &rec.Price, &rec.Quantity, &rec.Value, &rec.DisplayTime, &timeSource); err != nil {
			return nil, fmt.Errorf("scan liquidation: %w", err)
		}
		parsed, err := time.Parse(timestampLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse stored timestamp %q: %w", ts, err)
		}
		rec.Timestamp = parsed.UTC()
		rec.Side = models.Side(side)
		rec.TimeSource = models.TimeSource(timeSource)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate liquidations: %w", err)
	}
	return out, nil
}
