package enrich

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tutordex/aggregator/internal/domain"
)

// Canonical tutor type keys.
const (
	TutorPartTime   = "part_time"
	TutorFullTime   = "full_time"
	TutorExMOE      = "ex_moe"
	TutorCurrentMOE = "current_moe"
	TutorNIETrainee = "nie_trainee"
	TutorUndergrad  = "undergrad"
)

type tutorRule struct {
	canonical  string
	pattern    *regexp.Regexp
	confidence float64
}

// Spelled-out phrases score high, bare abbreviations low; "FT" in a post
// is usually full-time but not always.
var tutorRules = []tutorRule{
	{TutorExMOE, regexp.MustCompile(`(?i)\b(?:ex[\s-]?moe|former\s+moe|retired\s+moe|ex[\s-]?school\s+teacher)\b`), 0.95},
	{TutorCurrentMOE, regexp.MustCompile(`(?i)\b(?:current(?:ly)?\s+moe|moe\s+(?:school\s+)?teachers?)\b`), 0.85},
	{TutorNIETrainee, regexp.MustCompile(`(?i)\bnie[\s-]?(?:trainee|student|trained)s?\b`), 0.85},
	{TutorFullTime, regexp.MustCompile(`(?i)\bfull[\s-]?time\b`), 0.9},
	{TutorFullTime, regexp.MustCompile(`(?i)\bft\b`), 0.6},
	{TutorPartTime, regexp.MustCompile(`(?i)\bpart[\s-]?time\b`), 0.9},
	{TutorPartTime, regexp.MustCompile(`(?i)\bpt\b`), 0.6},
	{TutorUndergrad, regexp.MustCompile(`(?i)\b(?:undergrad(?:uate)?s?|uni(?:versity)?\s+students?)\b`), 0.85},
}

// moePrefixRe disqualifies a current_moe hit that is actually part of an
// "ex/former/retired MOE teacher" phrase.
var moePrefixRe = regexp.MustCompile(`(?i)\b(?:ex|former|retired)[\s-]*$`)

// ExtractTutorTypes scans text for requested tutor categories. A category
// matched by several rules keeps its highest-confidence hit; output is
// sorted by canonical key.
func ExtractTutorTypes(text string) []domain.TutorType {
	best := map[string]domain.TutorType{}
	for _, rule := range tutorRules {
		loc := matchLocation(rule, text)
		if loc == nil {
			continue
		}
		hit := domain.TutorType{
			Canonical:  rule.canonical,
			Original:   text[loc[0]:loc[1]],
			Confidence: rule.confidence,
		}
		if prev, ok := best[rule.canonical]; !ok || hit.Confidence > prev.Confidence {
			best[rule.canonical] = hit
		}
	}
	if len(best) == 0 {
		return nil
	}
	out := make([]domain.TutorType, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Canonical < out[j].Canonical })
	return out
}

func matchLocation(rule tutorRule, text string) []int {
	if rule.canonical != TutorCurrentMOE {
		return rule.pattern.FindStringIndex(text)
	}
	for _, loc := range rule.pattern.FindAllStringIndex(text, -1) {
		pre := text[max(0, loc[0]-10):loc[0]]
		if !moePrefixRe.MatchString(strings.TrimRight(pre, " ")) {
			return loc
		}
	}
	return nil
}
