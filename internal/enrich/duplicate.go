package enrich

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"math"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/tutordex/aggregator/internal/domain"
)

// GroupID derives the duplicate group ULID from the primary member.
// Minting from the primary's publish time and identity keeps the id
// stable across reprocessing no matter which member computes it.
func GroupID(primary domain.Assignment) string {
	seed := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d", primary.Fingerprint, primary.ChannelID, primary.MessageID)))
	id, err := ulid.New(ulid.Timestamp(primary.PublishedAt.UTC()), bytes.NewReader(seed[:]))
	if err != nil {
		return ""
	}
	return id.String()
}

// ResolveGroup picks the group primary for the candidate's fingerprint and
// scores the candidate's agreement with it. others are the committed rows
// sharing the fingerprint, oldest first; the candidate itself may appear
// among them on reprocessing. The oldest published member is primary, tied
// on (channel_id, message_id).
func ResolveGroup(candidate domain.Assignment, others []domain.Assignment) (groupID string, isPrimary bool, confidence float64) {
	members := make([]domain.Assignment, 0, len(others)+1)
	seenSelf := false
	for _, o := range others {
		if o.ChannelID == candidate.ChannelID && o.MessageID == candidate.MessageID {
			seenSelf = true
			members = append(members, candidate)
			continue
		}
		members = append(members, o)
	}
	if !seenSelf {
		members = append(members, candidate)
	}
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.Before(b.PublishedAt)
		}
		if a.ChannelID != b.ChannelID {
			return a.ChannelID < b.ChannelID
		}
		return a.MessageID < b.MessageID
	})

	primary := members[0]
	if primary.ChannelID == candidate.ChannelID && primary.MessageID == candidate.MessageID {
		return GroupID(candidate), true, 1
	}
	return GroupID(primary), false, agreement(candidate, primary)
}

// agreement scores field-level agreement between a duplicate candidate
// and its primary. The structural fingerprint already matched, so the
// score floors at 0.5 and climbs with each comparable field that agrees.
// A shared non-empty assignment code is conclusive.
func agreement(a, b domain.Assignment) float64 {
	if a.Parsed.AssignmentCode != "" && a.Parsed.AssignmentCode == b.Parsed.AssignmentCode {
		return 1
	}
	comparable, agreed := 0, 0
	check := func(has, eq bool) {
		if has {
			comparable++
			if eq {
				agreed++
			}
		}
	}
	check(a.Signals.RateMin != nil && b.Signals.RateMin != nil, eqFloat(a.Signals.RateMin, b.Signals.RateMin))
	check(a.Signals.RateMax != nil && b.Signals.RateMax != nil, eqFloat(a.Signals.RateMax, b.Signals.RateMax))
	check(len(a.Parsed.PostalCode) > 0 && len(b.Parsed.PostalCode) > 0, anyOverlap(a.Parsed.PostalCode, b.Parsed.PostalCode))
	check(a.Parsed.StartDate != "" && b.Parsed.StartDate != "", a.Parsed.StartDate == b.Parsed.StartDate)
	aDays, bDays := scheduleBucket(a.Parsed.TimeAvailability), scheduleBucket(b.Parsed.TimeAvailability)
	check(aDays != "anyday" && bDays != "anyday", aDays == bDays)
	if comparable == 0 {
		return 0.5
	}
	return math.Round((0.5+0.5*float64(agreed)/float64(comparable))*100) / 100
}

func eqFloat(a, b *float64) bool {
	return a != nil && b != nil && *a == *b
}

func anyOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}
