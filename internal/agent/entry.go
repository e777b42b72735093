package agent

import (
	"context"
	"time"
)

// LogEntry is one complete log line together with its provenance metadata.
// Every entry produced by the collector carries at least a "path" key naming
// the file as seen under the watched root.
type LogEntry struct {
	Line     string
	Metadata map[string]string
}

// Record is a LogEntry as handed to a Sink: it carries a stable identifier
// so that replays after a crash are idempotent downstream.
type Record struct {
	ID          string
	CollectedAt time.Time
	Entry       LogEntry
}

// Source produces log entries in batches. It is pulled from exactly one
// goroutine at a time.
type Source interface {
	// NextBatch blocks until at least one notification has been processed
	// and returns the entries it produced, which may be none. It returns
	// ctx.Err() (possibly wrapped) once ctx is done.
	NextBatch(ctx context.Context) ([]LogEntry, error)
	// Close releases the source's watches and file handles.
	Close() error
}

// Spool is a durable buffer between the collect loop and the sink.
type Spool interface {
	// Enqueue persists entries for at-least-once delivery.
	Enqueue(ctx context.Context, entries []LogEntry) error
	// Dequeue returns up to n undelivered records, oldest first.
	Dequeue(ctx context.Context, n int) ([]SpooledRecord, error)
	// Ack marks the records with the given spool IDs as delivered.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the number of undelivered records.
	Depth() int
	// Close releases the spool.
	Close() error
}

// Compactor is implemented by spools that keep delivered records until asked
// to reclaim them. The forward loop compacts after each drain.
type Compactor interface {
	Compact(ctx context.Context) (int64, error)
}

// SpooledRecord is a Record plus its spool row ID, used for Ack.
type SpooledRecord struct {
	SpoolID int64
	Record  Record
}

// Sink persists finished records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
}
