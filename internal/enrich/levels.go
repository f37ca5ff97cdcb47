package enrich

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Level bands, lowercase as stored in Signals.Levels. Canonical subject
// codes use the uppercase form.
const (
	BandPreschool = "preschool"
	BandPrimary   = "primary"
	BandSecondary = "secondary"
	BandJC        = "jc"
	BandIB        = "ib"
	BandPoly      = "poly"
	BandUni       = "uni"
	BandAdult     = "adult"
)

var (
	priRangeRe  = regexp.MustCompile(`(?i)\b(?:p|pri|primary)\s*([1-6])\s*(?:-|–|to)\s*(?:p|pri|primary)?\s*([1-6])\b`)
	priLevelRe  = regexp.MustCompile(`(?i)\b(?:p|pri|primary)\s*([1-6])\b`)
	secRangeRe  = regexp.MustCompile(`(?i)\b(?:s|sec|secondary)\s*([1-5])\s*(?:-|–|to)\s*(?:s|sec|secondary)?\s*([1-5])\b`)
	secLevelRe  = regexp.MustCompile(`(?i)\b(?:s|sec|secondary)\s*([1-5])\b`)
	jcLevelRe   = regexp.MustCompile(`(?i)\b(?:j|jc)\s*([12])\b`)
	preLevelRe  = regexp.MustCompile(`(?i)\b([kn])([12])\b`)
	hLevelRe    = regexp.MustCompile(`(?i)\bh[123]\b`)
	psleRe      = regexp.MustCompile(`(?i)\bpsle\b`)
	oLevelRe    = regexp.MustCompile(`(?i)\bo[\s-]?levels?\b`)
	nLevelRe    = regexp.MustCompile(`(?i)\bn[\s-]?levels?\b`)
	aLevelRe    = regexp.MustCompile(`(?i)\ba[\s-]?levels?\b`)
	jcWordRe    = regexp.MustCompile(`(?i)\bjc\b`)
	priWordRe   = regexp.MustCompile(`(?i)\b(?:primary|pri)\b`)
	secWordRe   = regexp.MustCompile(`(?i)\b(?:secondary|sec)\b`)
	preWordRe   = regexp.MustCompile(`(?i)\b(?:preschool|pre[\s-]?school|kindergarten|nursery)\b`)
	ibWordRe    = regexp.MustCompile(`(?i)\b(?:ib|igcse|international baccalaureate)\b`)
	polyWordRe  = regexp.MustCompile(`(?i)\b(?:poly|polytechnic)\b`)
	uniWordRe   = regexp.MustCompile(`(?i)\b(?:uni|university)\b`)
	adultWordRe = regexp.MustCompile(`(?i)\badult\b`)
)

// ParseLevels reads level tokens out of the academic display text and
// returns sorted level bands (primary, secondary, ...) and sorted
// specific levels (P5, S3, J1, ...). Ranges like "P3-P5" expand to every
// level in between.
func ParseLevels(text string) (bands, specifics []string) {
	bandSet := map[string]bool{}
	specSet := map[string]bool{}

	expand := func(band, prefix string, re *regexp.Regexp) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			from := int(m[1][0] - '0')
			to := int(m[2][0] - '0')
			if from > to {
				from, to = to, from
			}
			for n := from; n <= to; n++ {
				specSet[fmt.Sprintf("%s%d", prefix, n)] = true
			}
			bandSet[band] = true
		}
	}
	single := func(band, prefix string, re *regexp.Regexp) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			specSet[prefix+m[1]] = true
			bandSet[band] = true
		}
	}

	expand(BandPrimary, "P", priRangeRe)
	single(BandPrimary, "P", priLevelRe)
	expand(BandSecondary, "S", secRangeRe)
	single(BandSecondary, "S", secLevelRe)
	single(BandJC, "J", jcLevelRe)
	for _, m := range preLevelRe.FindAllStringSubmatch(text, -1) {
		specSet[strings.ToUpper(m[1])+m[2]] = true
		bandSet[BandPreschool] = true
	}

	if psleRe.MatchString(text) {
		bandSet[BandPrimary] = true
		specSet["P6"] = true
	}
	for _, kw := range []struct {
		re   *regexp.Regexp
		band string
	}{
		{oLevelRe, BandSecondary},
		{nLevelRe, BandSecondary},
		{aLevelRe, BandJC},
		{hLevelRe, BandJC},
		{jcWordRe, BandJC},
		{priWordRe, BandPrimary},
		{secWordRe, BandSecondary},
		{preWordRe, BandPreschool},
		{ibWordRe, BandIB},
		{polyWordRe, BandPoly},
		{uniWordRe, BandUni},
		{adultWordRe, BandAdult},
	} {
		if kw.re.MatchString(text) {
			bandSet[kw.band] = true
		}
	}

	return sortedKeys(bandSet), sortedKeys(specSet)
}

// levelStripRes are applied, in order, to cut level tokens out of the
// display text before subject splitting. Ranges go first so their
// endpoints do not survive as stray digits.
var levelStripRes = []*regexp.Regexp{
	priRangeRe, secRangeRe,
	priLevelRe, secLevelRe, jcLevelRe, preLevelRe,
	psleRe, oLevelRe, nLevelRe, aLevelRe, hLevelRe,
	jcWordRe, priWordRe, secWordRe, preWordRe, ibWordRe,
	polyWordRe, uniWordRe, adultWordRe,
}

var subjectSplitRe = regexp.MustCompile(`(?i)\s*(?:,|/|\+|&|\band\b|\bwith\b)\s*`)

// subjectStopWords never survive into a subject phrase; "English tuition"
// canonicalizes the same as "English".
var subjectStopWords = map[string]bool{
	"tuition": true, "tutor": true, "tutors": true, "needed": true,
	"required": true, "wanted": true, "lesson": true, "lessons": true,
	"student": true, "students": true, "class": true, "classes": true,
	"home": true, "level": true, "levels": true, "for": true, "in": true,
	"at": true, "the": true,
}

// SubjectPhrases strips level tokens from the display text and splits the
// remainder into candidate subject phrases for taxonomy lookup.
func SubjectPhrases(text string) []string {
	stripped := text
	for _, re := range levelStripRes {
		stripped = re.ReplaceAllString(stripped, " , ")
	}
	var out []string
	seen := map[string]bool{}
	for _, part := range subjectSplitRe.Split(stripped, -1) {
		words := strings.Fields(normalizePhrase(part))
		kept := words[:0]
		for _, w := range words {
			if !subjectStopWords[w] {
				kept = append(kept, w)
			}
		}
		phrase := strings.Join(kept, " ")
		if phrase == "" || seen[phrase] {
			continue
		}
		seen[phrase] = true
		out = append(out, phrase)
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
