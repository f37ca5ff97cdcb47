// Package registry loads the channel registry: the mapping from source
// channels to agency keys, plus the channel blocklist. The agency key
// selects the extraction example set; blocklist patterns feed the triage
// filter. A registry file is optional and the embedded default applies
// when none is configured.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed registry_default.yaml
var defaultRegistry []byte

// Entry maps one channel to an agency key.
type Entry struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	AgencyKey string `yaml:"agency_key"`
}

// Registry is the parsed registry file.
type Registry struct {
	Channels  []Entry  `yaml:"channels"`
	Blocklist []string `yaml:"blocklist"`

	byUsername map[string]Entry
	byID       map[int64]Entry
}

// Load parses the registry at path, or the embedded default when path is
// empty.
func Load(path string) (*Registry, error) {
	raw := defaultRegistry
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=registry.read: %w", err)
		}
		raw = b
	}
	var r Registry
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("op=registry.parse: %w", err)
	}
	r.byUsername = make(map[string]Entry, len(r.Channels))
	r.byID = make(map[int64]Entry, len(r.Channels))
	for _, e := range r.Channels {
		if e.Username != "" {
			r.byUsername[strings.ToLower(e.Username)] = e
		}
		if e.ID != 0 {
			r.byID[e.ID] = e
		}
	}
	return &r, nil
}

// AgencyFor resolves the agency key for a channel, trying the numeric id
// first and the username second. Unknown channels return "".
func (r *Registry) AgencyFor(channelID int64, username string) string {
	if e, ok := r.byID[channelID]; ok {
		return e.AgencyKey
	}
	if e, ok := r.byUsername[strings.ToLower(username)]; ok {
		return e.AgencyKey
	}
	return ""
}

// BlocklistPatterns compiles the blocklist into regexps. An invalid
// pattern fails the whole load; a silent partial blocklist would let
// blocked channels through.
func (r *Registry) BlocklistPatterns() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(r.Blocklist))
	for _, p := range r.Blocklist {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("op=registry.blocklist: pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
