// Package textx provides small text utilities used across the project.
package textx

import (
	"html"
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims
// spaces. Telegram posts occasionally carry NULs and zero-width controls
// that break fingerprinting and storage.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// EscapeHTML escapes text for Telegram HTML parse mode. Telegram accepts
// numeric entities, so the stdlib escaper is safe as is.
func EscapeHTML(s string) string {
	return html.EscapeString(s)
}

// TruncateRunes shortens s to at most max runes, replacing the tail with a
// single ellipsis rune when it truncates. Never splits a multi-byte rune.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// FirstLine returns the first non-empty line of s, trimmed.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
