package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns a configured chi.Router for the podtail HTTP surface.
//
// Route layout:
//
//	GET /healthz            – agent health snapshot
//	GET /metrics            – Prometheus exposition of the server's gatherer
//	GET /api/v1/entries     – stored entry query (404 without storage)
//
// There is no authentication; the listener is expected to be bound to
// localhost or a pod-local address.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(srv.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if srv.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/entries", srv.handleGetEntries)
	})

	return r
}
