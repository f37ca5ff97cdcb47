// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/tutordex/aggregator/internal/domain"
	"github.com/tutordex/aggregator/internal/enrich"
	"github.com/tutordex/aggregator/internal/filter"
	"github.com/tutordex/aggregator/internal/registry"
	"github.com/tutordex/aggregator/pkg/textx"
)

// ProcessService runs one claimed extraction job through the pipeline:
// triage filter, LLM extraction, canonical validation, enrichment, duplicate
// resolution, and the assignment upsert. It never talks to the queue; the
// worker writes the returned Outcome back to the job row.
type ProcessService struct {
	Raw           domain.RawStore
	Assignments   domain.AssignmentStore
	Extractor     domain.Extractor
	Filter        *filter.Filter
	Enricher      *enrich.Enricher
	Registry      *registry.Registry
	Sink          domain.DeliverySink
	DupWindow     time.Duration
	TriageReports bool
}

// NewProcessService constructs a ProcessService. Registry and sink may be
// nil; dupWindow falls back to 72h when not positive.
func NewProcessService(raw domain.RawStore, assignments domain.AssignmentStore, extractor domain.Extractor, f *filter.Filter, e *enrich.Enricher, reg *registry.Registry, sink domain.DeliverySink, dupWindow time.Duration, triageReports bool) ProcessService {
	if dupWindow <= 0 {
		dupWindow = 72 * time.Hour
	}
	return ProcessService{
		Raw:           raw,
		Assignments:   assignments,
		Extractor:     extractor,
		Filter:        f,
		Enricher:      e,
		Registry:      reg,
		Sink:          sink,
		DupWindow:     dupWindow,
		TriageReports: triageReports,
	}
}

// Outcome is the verdict for one job: the terminal status, the error kind
// and message when not done, the meta patch for the job row, and the saved
// assignment when the pipeline reached the upsert.
type Outcome struct {
	Status     domain.JobStatus
	ErrorKind  string
	ErrorMsg   string
	Meta       map[string]any
	Assignment *domain.Assignment
}

// ProcessJob executes the pipeline for one claimed job. Every failure path
// is encoded in the Outcome; the error taxonomy decides the kind.
func (s ProcessService) ProcessJob(ctx context.Context, job domain.ExtractionJob) Outcome {
	raw, err := s.Raw.GetRaw(ctx, job.RawID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A job without its raw row can never succeed; do not let the
			// generic datastore kind keep it retryable.
			return failed(domain.KindValidationFailed, "raw row missing", nil)
		}
		return failedErr(err, nil)
	}

	if d := s.Filter.Decide(raw); d.Action == filter.Skip {
		s.triage(raw, d)
		return Outcome{
			Status:    domain.JobSkipped,
			ErrorKind: domain.FilterKind(d.Reason),
			ErrorMsg:  d.Detail,
			Meta:      map[string]any{"filter": map[string]any{"reason": d.Reason, "detail": d.Detail}},
		}
	}

	res, err := s.Extractor.Extract(ctx, domain.ExtractRequest{
		RawText:         raw.RawText,
		ChannelUsername: raw.ChannelUsername,
		AgencyKey:       s.agencyKey(ctx, raw),
	})
	meta := map[string]any{}
	if len(res.Meta) > 0 {
		meta["llm"] = res.Meta
	}
	if err != nil {
		return failedErr(err, meta)
	}

	parsed, dropped := domain.ShapeParsed(res.Object)
	if len(dropped) > 0 {
		meta["dropped_fields"] = dropped
	}
	if err := domain.RequireMinimal(parsed); err != nil {
		return failedErr(err, meta)
	}

	enr := s.Enricher.Enrich(ctx, raw, parsed)
	meta["enrichment"] = enr.Meta

	a := domain.Assignment{
		ChannelID:      raw.ChannelID,
		MessageID:      raw.MessageID,
		AssignmentCode: enr.Parsed.AssignmentCode,
		Parsed:         enr.Parsed,
		Signals:        enr.Signals,
		PostalLat:      enr.Lat,
		PostalLon:      enr.Lon,
		Fingerprint:    enr.Fingerprint,
		PublishedAt:    raw.PostedAt,
		UpdatedAt:      time.Now().UTC(),
	}

	saved, err := s.commit(ctx, a)
	if errors.Is(err, domain.ErrConflict) {
		// A sibling worker committed a row for this fingerprint between the
		// lookup and the upsert; recompute the group against fresh rows and
		// try once more.
		saved, err = s.commit(ctx, a)
	}
	if err != nil {
		return failedErr(err, meta)
	}

	meta["duplicate"] = map[string]any{
		"group_id":   saved.DuplicateGroupID,
		"is_primary": saved.IsPrimaryInGroup,
		"confidence": saved.DuplicateConfidence,
	}
	return Outcome{Status: domain.JobDone, Meta: meta, Assignment: &saved}
}

// commit resolves the duplicate group from the committed rows in the window
// and upserts the assignment.
func (s ProcessService) commit(ctx context.Context, a domain.Assignment) (domain.Assignment, error) {
	others, err := s.Assignments.FindRecentByFingerprint(ctx, a.Fingerprint, s.DupWindow)
	if err != nil {
		return domain.Assignment{}, err
	}
	a.DuplicateGroupID, a.IsPrimaryInGroup, a.DuplicateConfidence = enrich.ResolveGroup(a, others)
	return s.Assignments.Upsert(ctx, a)
}

// agencyKey prefers the collector-maintained channels row and falls back to
// the static registry; either may be absent, the prompt builder has its own
// username fallback.
func (s ProcessService) agencyKey(ctx context.Context, raw domain.RawMessage) string {
	if ch, err := s.Raw.GetChannel(ctx, raw.ChannelID); err == nil && ch.AgencyKey != "" {
		return ch.AgencyKey
	}
	if s.Registry != nil {
		return s.Registry.AgencyFor(raw.ChannelID, raw.ChannelUsername)
	}
	return ""
}

// triage forwards compilation posts to the sink for operator review.
func (s ProcessService) triage(raw domain.RawMessage, d filter.Decision) {
	if !s.TriageReports || s.Sink == nil || d.Reason != filter.ReasonCompilation {
		return
	}
	if err := s.Sink.Append(domain.DeliveryRecord{
		Kind:      domain.DeliveryTriage,
		ChannelID: raw.ChannelID,
		MessageID: raw.MessageID,
		Outcome:   domain.OutcomeSkipped,
		Error:     d.Detail,
		Payload:   textx.TruncateRunes(raw.RawText, 2000),
	}); err != nil {
		slog.Warn("triage report append failed", slog.Any("error", err))
	}
}

func failed(kind, msg string, meta map[string]any) Outcome {
	return Outcome{Status: domain.JobFailed, ErrorKind: kind, ErrorMsg: msg, Meta: meta}
}

func failedErr(err error, meta map[string]any) Outcome {
	return failed(domain.KindFromError(err), err.Error(), meta)
}
