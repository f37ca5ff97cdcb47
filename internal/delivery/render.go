package delivery

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tutordex/aggregator/internal/domain"
	"github.com/tutordex/aggregator/pkg/textx"
)

// Telegram rejects messages above 4096 characters.
const maxMessageRunes = 4096

// Free-text caps applied before escaping so a single runaway field cannot
// eat the whole message budget.
const (
	maxHeaderRunes  = 120
	maxLineRunes    = 300
	maxRemarksRunes = 600
)

// RenderAssignment builds the Telegram HTML card for one assignment. Each
// line is a self-contained part with its tags already balanced, so the
// length cut never splits an open tag.
func RenderAssignment(a domain.Assignment) string {
	parts := []string{header(a)}

	if m := modeLabel(a.Parsed.LearningMode); m != "" {
		parts = append(parts, line("Mode", m))
	}
	if len(a.Parsed.Address) > 0 {
		parts = append(parts, line("Address", strings.Join(a.Parsed.Address, "; ")))
	}
	if len(a.Parsed.PostalCode) > 0 {
		parts = append(parts, line("Postal", strings.Join(a.Parsed.PostalCode, ", ")))
	}
	if len(a.Parsed.NearestMRT) > 0 {
		parts = append(parts, line("Nearest MRT", strings.Join(a.Parsed.NearestMRT, ", ")))
	}
	if s := slotsLabel(a.Parsed.LessonSchedule); s != "" {
		parts = append(parts, line("Schedule", s))
	} else if av := availabilityLabel(a.Parsed.TimeAvailability); av != "" {
		parts = append(parts, line("Available", av))
	}
	if a.Parsed.StartDate != "" {
		parts = append(parts, line("Start", a.Parsed.StartDate))
	}
	if r := rateLabel(a.Parsed.Rate); r != "" {
		parts = append(parts, line("Rate", r))
	}
	if a.Signals.Region != "" {
		parts = append(parts, line("Region", titleFirst(a.Signals.Region)))
	}
	if a.Parsed.AdditionalRemarks != "" {
		parts = append(parts, remarks(a.Parsed.AdditionalRemarks))
	}
	return assemble(parts)
}

func header(a domain.Assignment) string {
	code := strings.TrimSpace(a.Parsed.AssignmentCode)
	title := strings.TrimSpace(a.Parsed.AcademicDisplayText)
	var text string
	switch {
	case code != "" && title != "":
		text = code + " · " + title
	case code != "":
		text = code
	case title != "":
		text = title
	default:
		text = "New assignment"
	}
	return "<b>" + textx.EscapeHTML(textx.TruncateRunes(text, maxHeaderRunes)) + "</b>"
}

func line(label, value string) string {
	return "<b>" + label + ":</b> " + textx.EscapeHTML(textx.TruncateRunes(strings.TrimSpace(value), maxLineRunes))
}

func remarks(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	return "<b>Remarks:</b> " + textx.EscapeHTML(textx.TruncateRunes(flat, maxRemarksRunes))
}

func modeLabel(m domain.LearningMode) string {
	switch m.Mode {
	case domain.ModeFaceToFace:
		return "Face-to-face"
	case domain.ModeOnline:
		return "Online"
	case domain.ModeHybrid:
		return "Hybrid"
	default:
		return strings.TrimSpace(m.RawText)
	}
}

func slotsLabel(slots []domain.ScheduleSlot) string {
	var out []string
	for _, s := range slots {
		if l := slotLabel(s); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, ", ")
}

func slotLabel(s domain.ScheduleSlot) string {
	if s.Day != "" && s.Start != "" {
		out := s.Day + " " + s.Start
		if s.End != "" {
			out += "-" + s.End
		}
		return out
	}
	return strings.TrimSpace(s.Raw)
}

func availabilityLabel(ta domain.TimeAvailability) string {
	if s := slotsLabel(ta.Explicit); s != "" {
		return s
	}
	return strings.TrimSpace(ta.Note)
}

func rateLabel(r domain.RateRange) string {
	switch {
	case r.Min != nil && r.Max != nil && *r.Min != *r.Max:
		return "$" + money(*r.Min) + "-" + money(*r.Max) + "/hr"
	case r.Min != nil && r.Max != nil:
		return "$" + money(*r.Min) + "/hr"
	case r.Min != nil:
		return "from $" + money(*r.Min) + "/hr"
	case r.Max != nil:
		return "up to $" + money(*r.Max) + "/hr"
	default:
		return strings.TrimSpace(r.RawText)
	}
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func titleFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// assemble joins parts with newlines, keeping whole parts while they fit
// and marking any cut with a trailing ellipsis line.
func assemble(parts []string) string {
	budget := maxMessageRunes - 2 // room for "\n…" when cut
	used := 0
	kept := make([]string, 0, len(parts))
	for i, p := range parts {
		n := utf8.RuneCountInString(p)
		if i > 0 {
			n++
		}
		if used+n > budget {
			kept = append(kept, "…")
			break
		}
		kept = append(kept, p)
		used += n
	}
	return strings.Join(kept, "\n")
}
