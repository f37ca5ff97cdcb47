package enrich

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tutordex/aggregator/internal/domain"
)

// weekOrder fixes day ordering in parser output.
var weekOrder = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

var dayIndex = func() map[string]int {
	m := make(map[string]int, len(weekOrder))
	for i, d := range weekOrder {
		m[strings.ToLower(d)] = i
	}
	return m
}()

// Longest alternative first so "monday" wins over "mon".
const dayAlt = `monday|mondays|mon|tuesday|tuesdays|tues|tue|wednesday|wednesdays|wed|thursday|thursdays|thurs|thur|thu|friday|fridays|fri|saturday|saturdays|sat|sunday|sundays|sun`

var (
	dayRangeRe = regexp.MustCompile(`(?i)\b(` + dayAlt + `)\s*(?:-|–|to)\s*(` + dayAlt + `)\b`)
	dayTokenRe = regexp.MustCompile(`(?i)\b(` + dayAlt + `)\b`)
	weekdaysRe = regexp.MustCompile(`(?i)\bweek\s?days?\b`)
	weekendsRe = regexp.MustCompile(`(?i)\bweek\s?ends?\b`)
	anyDayRe   = regexp.MustCompile(`(?i)\b(?:daily|everyday|every\s+day|any\s+day|all\s+days?)\b`)

	clockRangeRe   = regexp.MustCompile(`(?i)\b(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)?\s*(?:-|–|to|till|until)\s*(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)\b`)
	clock24RangeRe = regexp.MustCompile(`\b([01]\d|2[0-3]):?([0-5]\d)\s*(?:-|–|to)\s*([01]\d|2[0-3]):?([0-5]\d)\b`)
	afterClockRe   = regexp.MustCompile(`(?i)\b(?:after|from)\s+(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)\b`)
	beforeClockRe  = regexp.MustCompile(`(?i)\b(?:before|by)\s+(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)\b`)
	periodRe       = regexp.MustCompile(`(?i)\b(morning|afternoon|evening|night)s?\b`)
)

// periodRanges are the assumed clock ranges behind vague period words.
var periodRanges = map[string][2]string{
	"morning":   {"09:00", "12:00"},
	"afternoon": {"12:00", "18:00"},
	"evening":   {"18:00", "21:00"},
	"night":     {"19:00", "22:00"},
}

type clockRange struct {
	start, end string
}

// ParseSchedule converts free-text schedule phrases into structured
// availability. A slot with a resolved day and a full clock range is
// explicit; slots missing either side are estimated; phrases the grammar
// cannot read at all are collected into the note.
func ParseSchedule(phrases []string) domain.TimeAvailability {
	var ta domain.TimeAvailability
	var notes []string
	seenExplicit := map[string]bool{}
	seenEstimated := map[string]bool{}
	seenNote := map[string]bool{}

	addExplicit := func(s domain.ScheduleSlot) {
		key := s.Day + "|" + s.Start + "|" + s.End
		if !seenExplicit[key] {
			seenExplicit[key] = true
			ta.Explicit = append(ta.Explicit, s)
		}
	}
	addEstimated := func(s domain.ScheduleSlot) {
		key := s.Day + "|" + s.Start + "|" + s.End
		if !seenEstimated[key] {
			seenEstimated[key] = true
			ta.Estimated = append(ta.Estimated, s)
		}
	}

	for _, phrase := range phrases {
		p := strings.TrimSpace(phrase)
		if p == "" {
			continue
		}
		days := parseDays(p)
		ranges, open := parseClockRanges(p)
		var vague []clockRange
		if len(ranges) == 0 && len(open) == 0 {
			vague = parsePeriods(p)
		}

		switch {
		case len(days) > 0 && len(ranges) > 0:
			for _, d := range days {
				for _, r := range ranges {
					addExplicit(domain.ScheduleSlot{Day: d, Start: r.start, End: r.end, Raw: p})
				}
				for _, r := range open {
					addEstimated(domain.ScheduleSlot{Day: d, Start: r.start, End: r.end, Raw: p})
				}
			}
		case len(days) > 0 && (len(open) > 0 || len(vague) > 0):
			for _, d := range days {
				for _, r := range append(open, vague...) {
					addEstimated(domain.ScheduleSlot{Day: d, Start: r.start, End: r.end, Raw: p})
				}
			}
		case len(days) > 0:
			for _, d := range days {
				addEstimated(domain.ScheduleSlot{Day: d, Raw: p})
			}
		case len(ranges) > 0 || len(open) > 0:
			for _, r := range append(ranges, open...) {
				addEstimated(domain.ScheduleSlot{Start: r.start, End: r.end, Raw: p})
			}
		case len(vague) > 0:
			for _, r := range vague {
				addEstimated(domain.ScheduleSlot{Start: r.start, End: r.end, Raw: p})
			}
		default:
			if !seenNote[p] {
				seenNote[p] = true
				notes = append(notes, p)
			}
		}
	}
	ta.Note = strings.Join(notes, "; ")
	return ta
}

// parseDays returns the canonical days named by the phrase in week order.
func parseDays(phrase string) []string {
	set := map[string]bool{}
	markRange := func(from, to int) {
		if from <= to {
			for i := from; i <= to; i++ {
				set[weekOrder[i]] = true
			}
			return
		}
		for i := from; i < len(weekOrder); i++ {
			set[weekOrder[i]] = true
		}
		for i := 0; i <= to; i++ {
			set[weekOrder[i]] = true
		}
	}

	for _, m := range dayRangeRe.FindAllStringSubmatch(phrase, -1) {
		markRange(dayIndex[dayKey(m[1])], dayIndex[dayKey(m[2])])
	}
	rest := dayRangeRe.ReplaceAllString(phrase, " ")
	for _, m := range dayTokenRe.FindAllStringSubmatch(rest, -1) {
		set[weekOrder[dayIndex[dayKey(m[1])]]] = true
	}
	if weekdaysRe.MatchString(phrase) {
		markRange(0, 4)
	}
	if weekendsRe.MatchString(phrase) {
		markRange(5, 6)
	}
	if anyDayRe.MatchString(phrase) {
		markRange(0, 6)
	}

	var out []string
	for _, d := range weekOrder {
		if set[d] {
			out = append(out, d)
		}
	}
	return out
}

func dayKey(token string) string {
	return strings.ToLower(token)[:3]
}

// parseClockRanges extracts full clock ranges and open-ended bounds
// ("after 7pm") from the phrase.
func parseClockRanges(phrase string) (ranges, open []clockRange) {
	working := phrase
	for _, m := range clockRangeRe.FindAllStringSubmatch(working, -1) {
		if r, ok := resolveClockRange(m); ok {
			ranges = append(ranges, r)
		}
	}
	working = clockRangeRe.ReplaceAllString(working, " ")
	for _, m := range clock24RangeRe.FindAllStringSubmatch(working, -1) {
		h1, _ := strconv.Atoi(m[1])
		m1, _ := strconv.Atoi(m[2])
		h2, _ := strconv.Atoi(m[3])
		m2, _ := strconv.Atoi(m[4])
		ranges = append(ranges, clockRange{fmtClock(h1*60 + m1), fmtClock(h2*60 + m2)})
	}
	working = clock24RangeRe.ReplaceAllString(working, " ")
	for _, m := range afterClockRe.FindAllStringSubmatch(working, -1) {
		if min, ok := clockTo24(m[1], m[2], strings.ToLower(m[3])); ok {
			open = append(open, clockRange{start: fmtClock(min)})
		}
	}
	working = afterClockRe.ReplaceAllString(working, " ")
	for _, m := range beforeClockRe.FindAllStringSubmatch(working, -1) {
		if min, ok := clockTo24(m[1], m[2], strings.ToLower(m[3])); ok {
			open = append(open, clockRange{end: fmtClock(min)})
		}
	}
	return ranges, open
}

func parsePeriods(phrase string) []clockRange {
	var out []clockRange
	seen := map[string]bool{}
	for _, m := range periodRe.FindAllStringSubmatch(phrase, -1) {
		word := strings.ToLower(m[1])
		if seen[word] {
			continue
		}
		seen[word] = true
		r := periodRanges[word]
		out = append(out, clockRange{r[0], r[1]})
	}
	return out
}

// resolveClockRange turns a clockRangeRe match into a 24h range. A start
// with no meridiem inherits the end's, flipped when that would put the
// start after the end ("11-1pm" reads as 11:00-13:00).
func resolveClockRange(m []string) (clockRange, bool) {
	endMer := strings.ToLower(m[6])
	endMin, ok := clockTo24(m[4], m[5], endMer)
	if !ok {
		return clockRange{}, false
	}
	startMer := strings.ToLower(m[3])
	if startMer == "" {
		startMer = endMer
	}
	startMin, ok := clockTo24(m[1], m[2], startMer)
	if !ok {
		return clockRange{}, false
	}
	if startMin > endMin && m[3] == "" {
		flipped := "am"
		if startMer == "am" {
			flipped = "pm"
		}
		if alt, okAlt := clockTo24(m[1], m[2], flipped); okAlt && alt <= endMin {
			startMin = alt
		}
	}
	return clockRange{fmtClock(startMin), fmtClock(endMin)}, true
}

func clockTo24(hourS, minS, meridiem string) (int, bool) {
	h, err := strconv.Atoi(hourS)
	if err != nil {
		return 0, false
	}
	min := 0
	if minS != "" {
		min, err = strconv.Atoi(minS)
		if err != nil || min > 59 {
			return 0, false
		}
	}
	switch meridiem {
	case "am":
		if h > 12 {
			return 0, false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h > 12 {
			return 0, false
		}
		if h != 12 {
			h += 12
		}
	default:
		if h > 23 {
			return 0, false
		}
	}
	return h*60 + min, true
}

func fmtClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
