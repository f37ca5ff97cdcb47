package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tutordex/aggregator/internal/domain"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	curlyQuoteRe    = regexp.MustCompile("[“”]")
)

// ParseObject turns a model completion into the extraction object. It
// tolerates the usual small-model habits: markdown fences, prose around the
// object, trailing commas, bare keys and curly quotes. A blank completion is
// ErrEmptyResponse; anything that still will not parse is ErrInvalidJSON.
func ParseObject(content string) (map[string]any, error) {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil, fmt.Errorf("op=llm.parse: %w", domain.ErrEmptyResponse)
	}

	s = stripFences(s)
	if obj, err := decodeObject(s); err == nil {
		return obj, nil
	}
	s = extractObject(s)
	if obj, err := decodeObject(s); err == nil {
		return obj, nil
	}
	s = repairJSON(s)
	obj, err := decodeObject(s)
	if err != nil {
		return nil, fmt.Errorf("op=llm.parse: %w: %v", domain.ErrInvalidJSON, err)
	}
	return obj, nil
}

func decodeObject(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("json null")
	}
	return obj, nil
}

// stripFences unwraps a ```json fenced block, or trims dangling fence
// markers when the model forgot to close one.
func stripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced {...} span, ignoring braces
// inside string literals. Models often wrap the object in a sentence or two.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case inStr && c == '\\':
			esc = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// repairJSON is the last resort before giving up: drop trailing commas,
// quote bare keys, straighten curly quotes. The key regex can touch text
// inside string values, which is why strict parses run first.
func repairJSON(s string) string {
	s = curlyQuoteRe.ReplaceAllString(s, `"`)
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	return s
}
