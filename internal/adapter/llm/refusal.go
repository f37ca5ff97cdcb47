package llm

import "strings"

// Phrases that mark a completion as the model declining rather than
// extracting. Matched case-insensitively against the whole completion.
var refusalMarkers = []string{
	"i cannot",
	"i can't",
	"i can not",
	"i am unable",
	"i'm unable",
	"i am not able",
	"i'm sorry",
	"i apologize",
	"as an ai",
	"as a language model",
	"cannot assist",
	"cannot help with",
	"against my guidelines",
}

// DetectRefusal reports whether the completion reads as a refusal and which
// marker matched. Callers consult it only after JSON parsing fails, so quoted
// text inside a valid extraction never trips it.
func DetectRefusal(content string) (string, bool) {
	lower := strings.ToLower(content)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	return "", false
}
