package rest

import (
	"context"

	"github.com/podtail/podtail/internal/agent"
	"github.com/podtail/podtail/internal/storage"
)

// Store is the subset of storage.Store used by the entries handler. Defining
// an interface allows handlers to be tested without a live PostgreSQL
// connection.
type Store interface {
	// Query returns records matching q, newest first.
	Query(ctx context.Context, q storage.Query) ([]agent.Record, error)
}
