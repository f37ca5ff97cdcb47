package enrich

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tutordex/aggregator/internal/domain"
)

// Fingerprint hashes the structural identity of an assignment: level set,
// canonical subjects, region, rate bucket and schedule bucket. Posts with
// no academic content produce no fingerprint and never join duplicate
// groups. Signals arrays are already sorted, so the hash is stable.
func Fingerprint(sig domain.Signals, parsed domain.ParsedAssignment) string {
	if len(sig.Levels) == 0 && len(sig.SubjectsCanonical) == 0 {
		return ""
	}
	parts := []string{
		strings.Join(sig.Levels, ","),
		strings.Join(sig.SubjectsCanonical, ","),
		sig.Region,
		rateBucket(sig.RateMin, sig.RateMax),
		scheduleBucket(parsed.TimeAvailability),
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// rateBucket collapses the quoted rate into $10 bands so small quote
// differences between reposts of the same assignment still collide.
func rateBucket(min, max *float64) string {
	var v float64
	switch {
	case min != nil:
		v = *min
	case max != nil:
		v = *max
	default:
		return "norate"
	}
	return fmt.Sprintf("r%d", int(v)/10*10)
}

// scheduleBucket reduces availability to its day set in week order.
func scheduleBucket(ta domain.TimeAvailability) string {
	set := map[string]bool{}
	for _, s := range ta.Explicit {
		if s.Day != "" {
			set[s.Day] = true
		}
	}
	for _, s := range ta.Estimated {
		if s.Day != "" {
			set[s.Day] = true
		}
	}
	if len(set) == 0 {
		return "anyday"
	}
	var days []string
	for _, d := range weekOrder {
		if set[d] {
			days = append(days, d)
		}
	}
	return strings.Join(days, ",")
}
