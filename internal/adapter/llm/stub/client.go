// Package stub fabricates extractions without an upstream model so the
// pipeline can run end to end in dev and in tests.
package stub

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tutordex/aggregator/internal/domain"
)

// Client implements domain.Extractor deterministically: the same raw text
// always yields the same object, so idempotent reprocessing and dedupe
// behave as they would against a temperature-zero model.
type Client struct{}

func New() *Client { return &Client{} }

var _ domain.Extractor = (*Client)(nil)

var codeRe = regexp.MustCompile(`\b([A-Z]{1,4}[- ]?\d{3,6})\b`)

func (c *Client) Extract(ctx domain.Context, req domain.ExtractRequest) (domain.ExtractResult, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return domain.ExtractResult{}, ctx.Err()
	case <-time.After(25 * time.Millisecond):
	}

	text := strings.TrimSpace(req.RawText)
	code := ""
	if m := codeRe.FindStringSubmatch(text); m != nil {
		code = m[1]
	} else {
		sum := sha1.Sum([]byte(text))
		code = fmt.Sprintf("STUB-%04d", binary.BigEndian.Uint16(sum[:2])%10000)
	}

	obj := map[string]any{
		"assignment_code":       code,
		"academic_display_text": firstLine(text),
		"learning_mode":         map[string]any{"mode": "unknown", "raw_text": ""},
		"address":               []any{},
		"postal_code":           []any{},
		"nearest_mrt":           []any{},
		"lesson_schedule":       []any{},
		"start_date":            "",
		"time_availability":     map[string]any{"explicit": []any{}, "estimated": []any{}, "note": ""},
		"rate":                  map[string]any{"min": nil, "max": nil, "raw_text": ""},
		"additional_remarks":    "stubbed extraction",
	}
	return domain.ExtractResult{
		Object: obj,
		Meta: map[string]any{
			"model":        "stub",
			"prompt_sha":   "stub",
			"examples_set": "stub",
			"examples_sig": "stub",
		},
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if runes := []rune(s); len(runes) > 80 {
		s = string(runes[:80])
	}
	return s
}
