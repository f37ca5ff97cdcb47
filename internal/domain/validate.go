package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ShapeParsed turns the raw LLM JSON object into the canonical v2 record.
// The shaping never guesses: a field of the wrong type becomes its zero
// value (null semantics), malformed array items are dropped, enums fall
// back to their unknown member. The returned slice lists the fields that
// were nulled or trimmed, for the job meta audit trail.
//
// Shaping is idempotent: feeding the marshaled output back in yields the
// same record.
func ShapeParsed(raw map[string]any) (ParsedAssignment, []string) {
	var dropped []string
	drop := func(field string) { dropped = append(dropped, field) }

	var p ParsedAssignment
	p.AssignmentCode = cleanString(raw["assignment_code"], "assignment_code", drop)
	p.AcademicDisplayText = cleanString(raw["academic_display_text"], "academic_display_text", drop)
	p.LearningMode = shapeLearningMode(raw["learning_mode"], drop)
	p.Address = cleanStringSlice(raw["address"], "address", drop)
	p.PostalCode = shapePostalCodes(raw["postal_code"], drop)
	p.NearestMRT = cleanStringSlice(raw["nearest_mrt"], "nearest_mrt", drop)
	p.LessonSchedule = shapeScheduleSlots(raw["lesson_schedule"], "lesson_schedule", drop)
	p.StartDate = shapeStartDate(raw["start_date"], drop)
	p.TimeAvailability = shapeTimeAvailability(raw["time_availability"], drop)
	p.Rate = shapeRate(raw["rate"], drop)
	p.AdditionalRemarks = cleanString(raw["additional_remarks"], "additional_remarks", drop)
	return p, dropped
}

// RequireMinimal rejects records that carry nothing an assignment could be
// published from. This is the only hard validation failure: everything else
// degrades to nulls.
func RequireMinimal(p ParsedAssignment) error {
	if strings.TrimSpace(p.AcademicDisplayText) == "" &&
		strings.TrimSpace(p.AssignmentCode) == "" {
		return fmt.Errorf("op=validate: empty canonical record: %w", ErrInvalidArgument)
	}
	return nil
}

func cleanString(v any, field string, drop func(string)) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		drop(field)
		return ""
	}
}

func cleanStringSlice(v any, field string, drop func(string)) []string {
	if v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		// A bare string is re-homed as a single-element array rather than
		// dropped; models frequently emit scalars for singleton lists.
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) != "" {
			return []string{strings.TrimSpace(s)}
		}
		drop(field)
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, isStr := it.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			drop(field + "[]")
			continue
		}
		out = append(out, strings.TrimSpace(s))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func shapePostalCodes(v any, drop func(string)) []string {
	codes := cleanStringSlice(v, "postal_code", drop)
	out := codes[:0]
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if len(c) == 6 && isDigits(c) {
			out = append(out, c)
		} else {
			drop("postal_code[]")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func shapeLearningMode(v any, drop func(string)) LearningMode {
	lm := LearningMode{Mode: ModeUnknown}
	obj, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			drop("learning_mode")
		}
		return lm
	}
	lm.RawText = cleanString(obj["raw_text"], "learning_mode.raw_text", drop)
	switch LearningModeKind(strings.ToLower(cleanString(obj["mode"], "learning_mode.mode", drop))) {
	case ModeFaceToFace:
		lm.Mode = ModeFaceToFace
	case ModeOnline:
		lm.Mode = ModeOnline
	case ModeHybrid:
		lm.Mode = ModeHybrid
	case ModeUnknown, "":
		lm.Mode = ModeUnknown
	default:
		drop("learning_mode.mode")
		lm.Mode = ModeUnknown
	}
	return lm
}

func shapeScheduleSlots(v any, field string, drop func(string)) []ScheduleSlot {
	if v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) != "" {
			return []ScheduleSlot{{Raw: strings.TrimSpace(s)}}
		}
		drop(field)
		return nil
	}
	out := make([]ScheduleSlot, 0, len(items))
	for _, it := range items {
		switch slot := it.(type) {
		case string:
			if strings.TrimSpace(slot) == "" {
				continue
			}
			out = append(out, ScheduleSlot{Raw: strings.TrimSpace(slot)})
		case map[string]any:
			s := ScheduleSlot{
				Day:   cleanString(slot["day"], field+".day", drop),
				Start: cleanString(slot["start"], field+".start", drop),
				End:   cleanString(slot["end"], field+".end", drop),
				Raw:   cleanString(slot["raw_text"], field+".raw_text", drop),
			}
			if s.Day == "" && s.Start == "" && s.End == "" && s.Raw == "" {
				drop(field + "[]")
				continue
			}
			out = append(out, s)
		default:
			drop(field + "[]")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func shapeTimeAvailability(v any, drop func(string)) TimeAvailability {
	var ta TimeAvailability
	obj, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			drop("time_availability")
		}
		return ta
	}
	ta.Explicit = shapeScheduleSlots(obj["explicit"], "time_availability.explicit", drop)
	ta.Estimated = shapeScheduleSlots(obj["estimated"], "time_availability.estimated", drop)
	ta.Note = cleanString(obj["note"], "time_availability.note", drop)
	return ta
}

// startDateLayouts are tried in order; the first match wins and the value
// is normalized to 2006-01-02.
var startDateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

func shapeStartDate(v any, drop func(string)) string {
	s, ok := v.(string)
	if !ok {
		if v != nil {
			drop("start_date")
		}
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range startDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	drop("start_date")
	return ""
}

func shapeRate(v any, drop func(string)) RateRange {
	var r RateRange
	obj, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			drop("rate")
		}
		return r
	}
	r.RawText = cleanString(obj["raw_text"], "rate.raw_text", drop)
	r.Min = shapeRateBound(obj["min"], "rate.min", drop)
	r.Max = shapeRateBound(obj["max"], "rate.max", drop)
	// min > max means at least one bound is wrong; keep the minimum since
	// posts quote a floor far more often than a ceiling.
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		drop("rate.max")
		r.Max = nil
	}
	return r
}

func shapeRateBound(v any, field string, drop func(string)) *float64 {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		f = n
	case int:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(n), "$"), 64)
		if err != nil {
			drop(field)
			return nil
		}
		f = parsed
	default:
		drop(field)
		return nil
	}
	if f <= 0 {
		drop(field)
		return nil
	}
	return &f
}
