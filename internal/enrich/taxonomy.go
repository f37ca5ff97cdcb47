// Package enrich implements the deterministic enrichment steps that run
// between extraction and the assignment upsert: postal fill, schedule
// parsing, tutor type extraction, subject canonicalization, signal
// rollups, best-effort geocoding and duplicate fingerprinting. Every step
// is a pure function of its input except geocoding.
package enrich

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version is the canonicalization version stamped on every Signals value
// produced by this taxonomy.
const Version = "v2"

// UnknownSubject is the safe code for subject phrases the taxonomy does
// not know; a bad label must never silently vanish from search.
const UnknownSubject = "UNKNOWN"

//go:embed taxonomy_v2.yaml
var taxonomyV2 []byte

type subjectDef struct {
	General string   `yaml:"general"`
	Aliases []string `yaml:"aliases"`
}

type taxonomyFile struct {
	Version  string                `yaml:"version"`
	Subjects map[string]subjectDef `yaml:"subjects"`
}

// Taxonomy maps free-form subject phrases to canonical subject codes and
// their general families. Lookups are exact on the normalized phrase.
type Taxonomy struct {
	version string
	byAlias map[string]string
	general map[string]string
}

// LoadTaxonomy parses the embedded v2 taxonomy.
func LoadTaxonomy() (*Taxonomy, error) {
	var f taxonomyFile
	if err := yaml.Unmarshal(taxonomyV2, &f); err != nil {
		return nil, fmt.Errorf("op=taxonomy.parse: %w", err)
	}
	t := &Taxonomy{
		version: f.Version,
		byAlias: make(map[string]string),
		general: make(map[string]string, len(f.Subjects)),
	}
	for key, def := range f.Subjects {
		t.general[key] = def.General
		for _, a := range def.Aliases {
			norm := normalizePhrase(a)
			if prev, dup := t.byAlias[norm]; dup && prev != key {
				return nil, fmt.Errorf("op=taxonomy.parse: alias %q maps to both %s and %s", a, prev, key)
			}
			t.byAlias[norm] = key
		}
	}
	return t, nil
}

// Canonicalize maps level bands and subject phrases to sorted canonical
// codes (BAND.SUBJECT) and general families. Unknown phrases map to
// BAND.UNKNOWN; posts with no level token use the GENERAL band.
func (t *Taxonomy) Canonicalize(bands, phrases []string) (canonical, general []string) {
	if len(bands) == 0 {
		bands = []string{"general"}
	}
	seenCanonical := map[string]bool{}
	seenGeneral := map[string]bool{}
	for _, phrase := range phrases {
		norm := normalizePhrase(phrase)
		if norm == "" {
			continue
		}
		key, known := t.byAlias[norm]
		if !known {
			key = UnknownSubject
		}
		for _, band := range bands {
			code := strings.ToUpper(band) + "." + key
			if !seenCanonical[code] {
				seenCanonical[code] = true
				canonical = append(canonical, code)
			}
		}
		if known {
			if fam := t.general[key]; fam != "" && !seenGeneral[fam] {
				seenGeneral[fam] = true
				general = append(general, fam)
			}
		}
	}
	sort.Strings(canonical)
	sort.Strings(general)
	return canonical, general
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// normalizePhrase lowercases, strips punctuation and collapses whitespace
// so "A-Math", "A.Math" and "a math" all hit the same alias.
func normalizePhrase(s string) string {
	s = nonAlnumRe.ReplaceAllString(strings.ToLower(s), " ")
	return strings.Join(strings.Fields(s), " ")
}
