// Package filter holds the deterministic triage rules that run before any
// model call. The rules are ordered and the first match wins; a skipped
// post never reaches the extractor.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tutordex/aggregator/internal/domain"
)

type Action string

const (
	Proceed Action = "proceed"
	Skip    Action = "skip"
)

// Skip reasons, stored on the job as filtered_<reason>.
const (
	ReasonForwarded     = "forwarded"
	ReasonDeleted       = "deleted"
	ReasonShort         = "short"
	ReasonBlocklisted   = "blocklisted"
	ReasonCompilation   = "compilation"
	ReasonNonAssignment = "non_assignment"
)

// Decision is the triage outcome for one raw message. Reason and Detail are
// only set when Action is Skip.
type Decision struct {
	Action Action
	Reason string
	Detail string
}

var (
	// assignmentCodeLine matches agency codes at line starts, e.g.
	// "SJ1042:", " T20988 -". Many such lines mean a digest post, not a
	// single assignment.
	assignmentCodeLine = regexp.MustCompile(`(?m)^\s*[A-Z]{1,3}\d{2,}\s*[-:]`)
	// listingHeading matches per-item headings agencies use in compilation
	// posts ("Assignment 3:", "Case #12 -").
	listingHeading = regexp.MustCompile(`(?mi)^\s*(?:assignment|case|job)\s*(?:no\.?|#)?\s*\d+\s*[-:]`)
	postalPattern  = regexp.MustCompile(`\b\d{6}\b`)
	ratePattern    = regexp.MustCompile(`\$\s?\d+`)
	levelPattern   = regexp.MustCompile(`(?i)\b(?:p[1-6]|pri(?:mary)?\s?[1-6]|sec(?:ondary)?\s?[1-5]|jc\s?[12]|k[12]|n[12]|ib|igcse|poly|uni)\b`)
)

// nonAssignmentMarkers flag housekeeping posts: greetings, announcements,
// polls, recruitment. They only skip a post that also lacks every
// assignment marker.
var nonAssignmentMarkers = []string{
	"good morning", "good afternoon", "good evening", "good day",
	"happy new year", "merry christmas", "happy holidays", "selamat",
	"announcement", "poll", "vote for", "giveaway",
	"we are hiring", "join our team", "join us as", "follow our",
	"subscribe to", "invite your friends", "channel update",
}

var assignmentMarkers = []string{"tutor", "assignment", "student", "lesson", "tuition"}

// Filter applies the triage rules with configured thresholds.
type Filter struct {
	minChars             int
	compilationThreshold int
	blocklist            []*regexp.Regexp
}

// New builds a Filter. minChars and compilationThreshold fall back to the
// documented defaults when not positive; blocklist patterns match against
// the channel username.
func New(minChars, compilationThreshold int, blocklist []*regexp.Regexp) *Filter {
	if minChars <= 0 {
		minChars = 40
	}
	if compilationThreshold <= 0 {
		compilationThreshold = 5
	}
	return &Filter{
		minChars:             minChars,
		compilationThreshold: compilationThreshold,
		blocklist:            blocklist,
	}
}

// Decide runs the ordered rules against a raw message.
func (f *Filter) Decide(m domain.RawMessage) Decision {
	if m.IsForwarded {
		return skip(ReasonForwarded, "forwarded post")
	}
	if m.IsDeleted {
		return skip(ReasonDeleted, "deleted upstream")
	}
	text := strings.TrimSpace(m.RawText)
	if n := len([]rune(text)); n < f.minChars {
		return skip(ReasonShort, fmt.Sprintf("%d chars, min %d", n, f.minChars))
	}
	for _, re := range f.blocklist {
		if re.MatchString(m.ChannelUsername) {
			return skip(ReasonBlocklisted, "channel "+m.ChannelUsername)
		}
	}
	if codes := len(assignmentCodeLine.FindAllStringIndex(text, -1)); codes >= f.compilationThreshold {
		return skip(ReasonCompilation, fmt.Sprintf("%d assignment-code lines", codes))
	}
	if headings := len(listingHeading.FindAllStringIndex(text, -1)); headings >= 3 {
		return skip(ReasonCompilation, fmt.Sprintf("%d listing headings", headings))
	}
	if marker := nonAssignmentMarker(text); marker != "" && !looksLikeAssignment(text) {
		return skip(ReasonNonAssignment, fmt.Sprintf("keyword %q", marker))
	}
	return Decision{Action: Proceed}
}

func skip(reason, detail string) Decision {
	return Decision{Action: Skip, Reason: reason, Detail: detail}
}

func nonAssignmentMarker(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range nonAssignmentMarkers {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// looksLikeAssignment reports whether the text carries any of the signals a
// real assignment post has: a rate, a postal code, a level token, or one of
// the tuition keywords.
func looksLikeAssignment(text string) bool {
	if ratePattern.MatchString(text) || postalPattern.MatchString(text) || levelPattern.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range assignmentMarkers {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
