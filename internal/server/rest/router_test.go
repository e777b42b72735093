package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/podtail/podtail/internal/agent"
	"github.com/podtail/podtail/internal/storage"
)

type panicStore struct{}

func (panicStore) Query(context.Context, storage.Query) ([]agent.Record, error) {
	panic("boom")
}

// TestRouter_MetricsExposesGatherer verifies /metrics serves the registry
// handed to the server.
func TestRouter_MetricsExposesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "podtail_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	h := NewRouter(NewServer(discardLogger(), WithGatherer(reg)))
	rec := get(t, h, "/metrics")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "podtail_test_total 3") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

// TestRouter_MetricsAbsentWithoutGatherer verifies /metrics is not routed
// when no gatherer is configured.
func TestRouter_MetricsAbsentWithoutGatherer(t *testing.T) {
	rec := get(t, NewRouter(NewServer(discardLogger())), "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// TestRouter_UnknownRoute verifies unmatched paths return 404.
func TestRouter_UnknownRoute(t *testing.T) {
	rec := get(t, newTestServer(&mockStore{}), "/api/v1/alerts")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// TestRouter_RecoversFromPanics verifies a panicking store yields 500 rather
// than tearing down the connection.
func TestRouter_RecoversFromPanics(t *testing.T) {
	h := NewRouter(NewServer(discardLogger(), WithStore(panicStore{})))
	rec := get(t, h, "/api/v1/entries")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

// TestWriteJSONError verifies the error body shape.
func TestWriteJSONError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONError(rec, http.StatusTeapot, `bad "input"`)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", rec.Code)
	}
	if got, want := rec.Body.String(), `{"error":"bad \"input\""}`; got != want {
		t.Errorf("body = %s, want %s", got, want)
	}
}
