package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tutordex/aggregator/internal/adapter/observability"
	"github.com/tutordex/aggregator/internal/domain"
)

// Enricher runs the ordered enrichment steps. Geocoder is optional; nil
// disables the geocoding step entirely.
type Enricher struct {
	Taxonomy *Taxonomy
	Geocoder domain.Geocoder
}

func New(tax *Taxonomy, geo domain.Geocoder) *Enricher {
	return &Enricher{Taxonomy: tax, Geocoder: geo}
}

// Result is the enriched record ready for the assignment upsert.
type Result struct {
	Parsed      domain.ParsedAssignment
	Signals     domain.Signals
	Lat, Lon    *float64
	Fingerprint string
	Meta        map[string]any
}

// Enrich applies the pipeline to a validated extraction. Each step is
// timed and recorded under meta "steps" for the job audit trail; only the
// geocoding step can touch the network and its failures are swallowed.
func (e *Enricher) Enrich(ctx context.Context, raw domain.RawMessage, parsed domain.ParsedAssignment) Result {
	tracer := otel.Tracer("enrich")
	ctx, span := tracer.Start(ctx, "enrich.Run")
	defer span.End()

	r := Result{Parsed: parsed}
	steps := make([]map[string]any, 0, 7)
	step := func(name string, fn func() (bool, string)) {
		start := time.Now()
		changed, detail := fn()
		elapsed := time.Since(start)
		observability.EnrichStepDuration.WithLabelValues(name).Observe(elapsed.Seconds())
		rec := map[string]any{"step": name, "ms": elapsed.Milliseconds(), "changed": changed}
		if detail != "" {
			rec["detail"] = detail
		}
		steps = append(steps, rec)
	}

	step("postal_fill", func() (bool, string) {
		if len(r.Parsed.PostalCode) > 0 {
			return false, "source=llm"
		}
		found := FindPostalCodes(raw.RawText)
		if len(found) == 0 {
			return false, ""
		}
		r.Parsed.PostalCode = found
		return true, "source=regex"
	})

	step("schedule", func() (bool, string) {
		phrases := schedulePhrases(r.Parsed)
		ta := ParseSchedule(phrases)
		r.Parsed.TimeAvailability = ta
		if len(phrases) == 0 {
			return false, ""
		}
		return true, fmt.Sprintf("explicit=%d estimated=%d", len(ta.Explicit), len(ta.Estimated))
	})

	var tutorTypes []domain.TutorType
	step("tutor_types", func() (bool, string) {
		tutorTypes = ExtractTutorTypes(raw.RawText)
		return len(tutorTypes) > 0, ""
	})

	var bands, specifics, canonical, general []string
	step("canonicalize", func() (bool, string) {
		bands, specifics = ParseLevels(r.Parsed.AcademicDisplayText)
		canonical, general = e.Taxonomy.Canonicalize(bands, SubjectPhrases(r.Parsed.AcademicDisplayText))
		return len(canonical) > 0, ""
	})

	step("signals", func() (bool, string) {
		var region string
		for _, code := range r.Parsed.PostalCode {
			if region = RegionForPostal(code); region != "" {
				break
			}
		}
		r.Signals = domain.Signals{
			SubjectsCanonical:       canonical,
			SubjectsGeneral:         general,
			Levels:                  bands,
			SpecificLevels:          specifics,
			Region:                  region,
			TutorTypes:              tutorTypes,
			RateMin:                 r.Parsed.Rate.Min,
			RateMax:                 r.Parsed.Rate.Max,
			CanonicalizationVersion: Version,
		}
		if region == "" {
			return true, ""
		}
		return true, "region=" + region
	})

	if e.Geocoder != nil && len(r.Parsed.PostalCode) > 0 {
		step("geocode", func() (bool, string) {
			pt, err := e.Geocoder.Lookup(ctx, r.Parsed.PostalCode[0])
			if err != nil {
				slog.Warn("geocode lookup failed",
					slog.String("postal", r.Parsed.PostalCode[0]),
					slog.Any("error", err))
				return false, "error"
			}
			if pt == nil {
				return false, ""
			}
			r.Lat, r.Lon = &pt.Lat, &pt.Lon
			return true, ""
		})
	}

	step("fingerprint", func() (bool, string) {
		r.Fingerprint = Fingerprint(r.Signals, r.Parsed)
		return r.Fingerprint != "", ""
	})

	r.Meta = map[string]any{"version": Version, "steps": steps}
	return r
}

// schedulePhrases gathers every schedule-ish text the extraction carries:
// lesson slots (raw or recomposed from structured fields) and whatever the
// model already put under time_availability.
func schedulePhrases(p domain.ParsedAssignment) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	addSlot := func(slot domain.ScheduleSlot) {
		switch {
		case slot.Raw != "":
			add(slot.Raw)
		case slot.Start != "" && slot.End != "":
			add(strings.TrimSpace(slot.Day + " " + slot.Start + " to " + slot.End))
		default:
			add(slot.Day)
		}
	}
	for _, slot := range p.LessonSchedule {
		addSlot(slot)
	}
	for _, slot := range p.TimeAvailability.Explicit {
		addSlot(slot)
	}
	for _, slot := range p.TimeAvailability.Estimated {
		addSlot(slot)
	}
	add(p.TimeAvailability.Note)
	return out
}
