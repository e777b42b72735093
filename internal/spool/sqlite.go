// Package spool provides a WAL-mode SQLite-backed buffer between the
// collector and the storage sink. It implements agent.Spool with
// at-least-once delivery semantics: entries are persisted on Enqueue and are
// not removed until the caller calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the collect
// loop can Enqueue while the forward loop runs Dequeue and Ack.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the record is returned again by the next
// Dequeue after restart. Every record carries a UUID assigned at Enqueue, so
// a sink that deduplicates on it sees each line exactly once.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/podtail/podtail/internal/agent"
)

// SQLite is a WAL-mode SQLite-backed implementation of agent.Spool.
// It is safe for concurrent use.
type SQLite struct {
	db    *sql.DB
	depth atomic.Int64
	now   func() time.Time
}

var (
	_ agent.Spool     = (*SQLite)(nil)
	_ agent.Compactor = (*SQLite)(nil)
)

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the depth counter from the rows still pending, so Depth() is
// accurate immediately after a restart.
func New(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// One writer at a time; a single connection serialises all statements.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}
	// NORMAL synchronous: durable across process crashes, not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM spooled_entries WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS spooled_entries (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id     TEXT    NOT NULL UNIQUE,
    collected_at TEXT    NOT NULL,
    line         TEXT    NOT NULL,
    metadata     TEXT    NOT NULL DEFAULT '{}',
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_spooled_entries_pending
    ON spooled_entries (delivered, id);
`

// Enqueue persists entries in a single transaction, each under a fresh
// UUID and the current time. It implements agent.Spool.
func (s *SQLite) Enqueue(ctx context.Context, entries []agent.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("spool: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spooled_entries (entry_id, collected_at, line, metadata) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("spool: prepare insert: %w", err)
	}
	defer stmt.Close()

	collectedAt := s.now().UTC().Format(time.RFC3339Nano)
	for _, e := range entries {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("spool: marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), collectedAt, e.Line, string(metadata)); err != nil {
			return fmt.Errorf("spool: enqueue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("spool: commit: %w", err)
	}
	s.depth.Add(int64(len(entries)))
	return nil
}

// Dequeue returns up to n undelivered records in insertion order (oldest
// first). It does not mark them delivered; call Ack with their SpoolIDs.
// If n <= 0, Dequeue returns nil without querying the database.
func (s *SQLite) Dequeue(ctx context.Context, n int) ([]agent.SpooledRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, collected_at, line, metadata
		 FROM   spooled_entries
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []agent.SpooledRecord
	for rows.Next() {
		var (
			sr          agent.SpooledRecord
			collectedAt string
			metadata    string
		)
		if err := rows.Scan(&sr.SpoolID, &sr.Record.ID, &collectedAt, &sr.Record.Entry.Line, &metadata); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		sr.Record.CollectedAt, err = time.Parse(time.RFC3339Nano, collectedAt)
		if err != nil {
			return nil, fmt.Errorf("spool: parse collected_at of row %d: %w", sr.SpoolID, err)
		}
		// A malformed value yields nil metadata rather than blocking the spool.
		if err := json.Unmarshal([]byte(metadata), &sr.Record.Entry.Metadata); err != nil {
			sr.Record.Entry.Metadata = nil
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the records identified by ids as delivered. It is idempotent;
// the depth counter only drops for rows that were still pending.
func (s *SQLite) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE spooled_entries SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Compact deletes delivered rows and returns how many were removed.
func (s *SQLite) Compact(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM spooled_entries WHERE delivered = 1`)
	if err != nil {
		return 0, fmt.Errorf("spool: compact: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Depth returns the number of undelivered records without touching the
// database.
func (s *SQLite) Depth() int {
	return int(s.depth.Load())
}

// Close closes the database. The spool must not be used afterwards.
func (s *SQLite) Close() error {
	return s.db.Close()
}
