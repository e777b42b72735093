// Package rest serves podtail's read-only HTTP API: health, metrics, and a
// query passthrough to stored entries.
package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/podtail/podtail/internal/agent"
	"github.com/podtail/podtail/internal/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store    Store
	health   http.HandlerFunc
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStore enables GET /api/v1/entries.
func WithStore(s Store) ServerOption {
	return func(srv *Server) { srv.store = s }
}

// WithHealth sets the /healthz handler, usually (*agent.Agent).HealthzHandler.
func WithHealth(h http.HandlerFunc) ServerOption {
	return func(srv *Server) { srv.health = h }
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(srv *Server) { srv.gatherer = g }
}

// NewServer creates a Server. Without WithHealth, /healthz always answers
// 200 {"status":"ok"}.
func NewServer(logger *slog.Logger, opts ...ServerOption) *Server {
	srv := &Server{logger: logger}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// handleHealthz responds to GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		s.health(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// entryResponse is the JSON shape of one stored record.
type entryResponse struct {
	ID          string            `json:"id"`
	CollectedAt time.Time         `json:"collected_at"`
	Line        string            `json:"line"`
	Metadata    map[string]string `json:"metadata"`
}

// handleGetEntries responds to GET /api/v1/entries.
//
// Supported query parameters:
//
//	key, value – metadata equality filter; both or neither (optional)
//	from, to   – RFC3339 bounds on collected_at (optional)
//	limit      – maximum number of results (default 100, max 1000)
//
// Returns HTTP 404 when no storage is configured and HTTP 400 when
// parameters are malformed.
func (s *Server) handleGetEntries(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusNotFound, "entry storage is not configured")
		return
	}

	q := r.URL.Query()
	var sq storage.Query

	sq.Key, sq.Value = q.Get("key"), q.Get("value")
	if (sq.Key == "") != (sq.Value == "") {
		writeJSONError(w, http.StatusBadRequest, "'key' and 'value' must be given together")
		return
	}

	var err error
	if v := q.Get("from"); v != "" {
		if sq.From, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSONError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if sq.To, err = time.Parse(time.RFC3339, v); err != nil {
			writeJSONError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
	}
	if !sq.From.IsZero() && !sq.To.IsZero() && !sq.To.After(sq.From) {
		writeJSONError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		sq.Limit = min(limit, storage.MaxQueryLimit)
	}

	records, err := s.store.Query(r.Context(), sq)
	if err != nil {
		s.logger.Warn("entry query failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query entries")
		return
	}

	out := make([]entryResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toResponse(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

func toResponse(rec agent.Record) entryResponse {
	md := rec.Entry.Metadata
	if md == nil {
		md = map[string]string{}
	}
	return entryResponse{
		ID:          rec.ID,
		CollectedAt: rec.CollectedAt,
		Line:        rec.Entry.Line,
		Metadata:    md,
	}
}
