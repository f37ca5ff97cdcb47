package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutordex/aggregator/internal/domain"
)

const (
	defaultJobsLimit        = 50
	maxJobsLimit            = 200
	defaultAssignmentsLimit = 20
	maxAssignmentsLimit     = 100
)

// QueueStatsHandler reports the per-status queue depth and the age of the
// oldest pending job.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.Queue.Counts(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		age, err := s.Queue.OldestPendingAge(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"counts":                     counts,
			"oldest_pending_age_seconds": int64(age / time.Second),
		})
	}
}

type jobView struct {
	ID              int64          `json:"id"`
	RawID           int64          `json:"raw_id"`
	PipelineVersion string         `json:"pipeline_version"`
	Status          string         `json:"status"`
	Source          string         `json:"source"`
	ClaimedBy       string         `json:"claimed_by,omitempty"`
	Attempts        int            `json:"attempts"`
	LastErrorKind   string         `json:"last_error_kind,omitempty"`
	LastErrorMsg    string         `json:"last_error_msg,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// FailedJobsHandler lists failed jobs, most recently failed first, for
// operator triage before a requeue.
func (s *Server) FailedJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", defaultJobsLimit, 1, maxJobsLimit)
		offset := queryInt(r, "offset", 0, 0, 1<<20)
		jobs, err := s.Queue.ListByStatus(r.Context(), domain.JobFailed, limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, jobView{
				ID:              j.ID,
				RawID:           j.RawID,
				PipelineVersion: j.PipelineVersion,
				Status:          string(j.Status),
				Source:          string(j.Source),
				ClaimedBy:       j.ClaimedBy,
				Attempts:        j.Attempts,
				LastErrorKind:   j.LastErrorKind,
				LastErrorMsg:    j.LastErrorMsg,
				Meta:            j.Meta,
				CreatedAt:       j.CreatedAt,
				UpdatedAt:       j.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "limit": limit, "offset": offset})
	}
}

// RequeueJobHandler resets one failed job to pending. Requeueing a job in
// any other status is a 409; unknown ids are a 404.
func (s *Server) RequeueJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, fmt.Errorf("%w: job id must be a positive integer", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Queue.RequeueJob(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("job requeued", slog.Int64("job_id", id))
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(domain.JobPending)})
	}
}

// RequeueStaleHandler re-pends every processing job whose claim outlived
// STALE_AFTER, the same sweep the workers run on a ticker.
func (s *Server) RequeueStaleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Queue.RequeueStale(r.Context(), s.Cfg.StaleAfter)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if n > 0 {
			LoggerFrom(r).Info("stale jobs requeued", slog.Int64("count", n))
		}
		writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
	}
}

type assignmentView struct {
	ID                  int64                   `json:"id"`
	ChannelID           int64                   `json:"channel_id"`
	MessageID           int64                   `json:"message_id"`
	AssignmentCode      string                  `json:"assignment_code,omitempty"`
	Status              string                  `json:"status"`
	FreshnessTier       string                  `json:"freshness_tier"`
	Fingerprint         string                  `json:"fingerprint"`
	DuplicateGroupID    string                  `json:"duplicate_group_id,omitempty"`
	IsPrimaryInGroup    bool                    `json:"is_primary_in_group"`
	DuplicateConfidence float64                 `json:"duplicate_confidence,omitempty"`
	Parsed              domain.ParsedAssignment `json:"parsed"`
	Signals             domain.Signals          `json:"signals"`
	PublishedAt         time.Time               `json:"published_at"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// RecentAssignmentsHandler returns the latest extracted assignments, a
// quick end-to-end smoke view of the pipeline.
func (s *Server) RecentAssignmentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", defaultAssignmentsLimit, 1, maxAssignmentsLimit)
		assignments, err := s.Assignments.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]assignmentView, 0, len(assignments))
		for _, a := range assignments {
			views = append(views, assignmentView{
				ID:                  a.ID,
				ChannelID:           a.ChannelID,
				MessageID:           a.MessageID,
				AssignmentCode:      a.AssignmentCode,
				Status:              string(a.Status),
				FreshnessTier:       string(a.FreshnessTier),
				Fingerprint:         a.Fingerprint,
				DuplicateGroupID:    a.DuplicateGroupID,
				IsPrimaryInGroup:    a.IsPrimaryInGroup,
				DuplicateConfidence: a.DuplicateConfidence,
				Parsed:              a.Parsed,
				Signals:             a.Signals,
				PublishedAt:         a.PublishedAt,
				UpdatedAt:           a.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": views, "limit": limit})
	}
}

// queryInt reads an integer query parameter, clamped to [min, max];
// missing or malformed values fall back to def.
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
