// Package app assembles the ops/admin HTTP surface: router, middleware
// stack and readiness probes shared by cmd/server and the worker metrics
// endpoint.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutordex/aggregator/internal/adapter/httpserver"
	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// The admin API mounts only when admin credentials are configured.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/readyz", srv.ReadyzHandler())

	if cfg.AdminEnabled() {
		r.Route("/admin/api", func(ar chi.Router) {
			ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			ar.Use(srv.BasicAuthGuard())
			ar.Get("/queue/stats", srv.QueueStatsHandler())
			ar.Get("/jobs/failed", srv.FailedJobsHandler())
			ar.Post("/jobs/{id}/requeue", srv.RequeueJobHandler())
			ar.Post("/jobs/requeue-stale", srv.RequeueStaleHandler())
			ar.Get("/assignments/recent", srv.RecentAssignmentsHandler())
		})
	}

	return httpserver.SecurityHeaders(r)
}
