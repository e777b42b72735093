// Package storage persists finished log records in PostgreSQL and serves
// them back for the read-only query endpoint.
package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podtail/podtail/internal/agent"
)

// DefaultQueryLimit caps Query results when the caller gives no limit.
const DefaultQueryLimit = 100

// MaxQueryLimit is the largest limit Query honours.
const MaxQueryLimit = 1000

//go:embed schema.sql
var schema string

// Store is the PostgreSQL-backed sink for log records. It implements
// agent.Sink and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ agent.Sink = (*Store)(nil)

// New opens a pgxpool connection to dsn and pings the database.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the log_entries table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("storage: apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Write inserts records in a single pgx.Batch round-trip. Records whose
// entry_id already exists are ignored, so replaying a spool after a crash is
// idempotent.
func (s *Store) Write(ctx context.Context, records []agent.Record) error {
	if len(records) == 0 {
		return nil
	}

	const query = `
		INSERT INTO log_entries (entry_id, collected_at, line, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for _, r := range records {
		metadata, err := json.Marshal(r.Entry.Metadata)
		if err != nil {
			return fmt.Errorf("storage: marshal metadata of %s: %w", r.ID, err)
		}
		if r.Entry.Metadata == nil {
			metadata = []byte("{}")
		}
		b.Queue(query, r.ID, r.CollectedAt, r.Entry.Line, metadata)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("storage: batch exec entry: %w", err)
		}
	}
	return nil
}

// Query selects stored records.
//
// From and To bound collected_at as [From, To); a zero value leaves that
// side open. When Key is set only records whose metadata maps Key to Value
// are returned. Results are newest first.
type Query struct {
	Key   string
	Value string
	From  time.Time
	To    time.Time
	Limit int
}

// Query returns the records matching q.
func (s *Store) Query(ctx context.Context, q Query) ([]agent.Record, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}

	args := []any{q.Limit}
	where := "WHERE TRUE"
	argIdx := 2

	if !q.From.IsZero() {
		where += fmt.Sprintf(" AND collected_at >= $%d", argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		where += fmt.Sprintf(" AND collected_at < $%d", argIdx)
		args = append(args, q.To)
		argIdx++
	}
	if q.Key != "" {
		filter, err := json.Marshal(map[string]string{q.Key: q.Value})
		if err != nil {
			return nil, fmt.Errorf("storage: marshal filter: %w", err)
		}
		where += fmt.Sprintf(" AND metadata @> $%d::jsonb", argIdx)
		args = append(args, filter)
	}

	sql := fmt.Sprintf(`
		SELECT entry_id, collected_at, line, metadata
		FROM   log_entries
		%s
		ORDER  BY collected_at DESC, entry_id
		LIMIT  $1`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query entries: %w", err)
	}
	defer rows.Close()

	var out []agent.Record
	for rows.Next() {
		var (
			r        agent.Record
			metadata []byte
		)
		if err := rows.Scan(&r.ID, &r.CollectedAt, &r.Entry.Line, &metadata); err != nil {
			return nil, fmt.Errorf("storage: scan entry: %w", err)
		}
		if err := json.Unmarshal(metadata, &r.Entry.Metadata); err != nil {
			return nil, fmt.Errorf("storage: decode metadata of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
