package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/tutordex/aggregator/internal/config"
	"github.com/tutordex/aggregator/internal/domain"
)

// Server aggregates the ops/admin API dependencies. Checks may be nil when
// the hosting process has no such dependency; readiness then skips them.
type Server struct {
	Cfg          config.Config
	Queue        domain.Queue
	Assignments  domain.AssignmentStore
	DBCheck      func(ctx context.Context) error
	RedisCheck   func(ctx context.Context) error
	BreakerCheck func(ctx context.Context) error
}

// NewServer constructs the ops/admin server with all handlers wired.
func NewServer(cfg config.Config, q domain.Queue, assignments domain.AssignmentStore, dbCheck, redisCheck, breakerCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:          cfg,
		Queue:        q,
		Assignments:  assignments,
		DBCheck:      dbCheck,
		RedisCheck:   redisCheck,
		BreakerCheck: breakerCheck,
	}
}

// ReadyzHandler probes the database, redis and the LLM circuit breaker.
// Any failing check turns the response 503 so the orchestrator stops
// routing to this replica.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"db", s.DBCheck},
		{"redis", s.RedisCheck},
		{"llm_breaker", s.BreakerCheck},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, Details: err.Error()})
				ok = false
				continue
			}
			checks = append(checks, check{Name: p.name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
