// Package llm extracts canonical assignment objects from raw post text
// through an OpenAI-compatible chat completion API. The package root holds
// the pieces both the real and stub clients share: prompt assembly, response
// cleaning, refusal detection, the circuit breaker and token estimation.
package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	_ "embed"

	"gopkg.in/yaml.v3"

	"github.com/tutordex/aggregator/internal/domain"
)

//go:embed system_prompt.txt
var defaultSystemPrompt string

//go:embed examples.yaml
var defaultExamples []byte

// GeneralSet is the example set used when no agency-specific set exists.
const GeneralSet = "general"

// Message is one chat turn in an OpenAI-compatible completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Example is one few-shot pair rendered as a user/assistant turn.
type Example struct {
	Post       string `yaml:"post"`
	Extraction string `yaml:"extraction"`
}

type exampleFile struct {
	Sets map[string][]Example `yaml:"sets"`
}

// PromptInfo identifies which prompt revision produced an extraction so job
// meta can tie an output back to the exact system prompt and example set.
type PromptInfo struct {
	SystemSHA  string
	ExampleSet string
	ExampleSig string
}

// PromptBuilder assembles the chat messages for extraction requests. The
// system prompt comes from systemPromptFile when set, otherwise the embedded
// default; few-shot examples are chosen per agency with a general fallback.
type PromptBuilder struct {
	system    string
	systemSHA string
	sets      map[string][]Example
	sigs      map[string]string
}

func NewPromptBuilder(systemPromptFile string) (*PromptBuilder, error) {
	system := defaultSystemPrompt
	if systemPromptFile != "" {
		raw, err := os.ReadFile(systemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("op=llm.prompt: read system prompt: %w", err)
		}
		system = string(raw)
	}
	system = strings.TrimSpace(system)
	if system == "" {
		return nil, fmt.Errorf("op=llm.prompt: %w: empty system prompt", domain.ErrInvalidArgument)
	}

	var f exampleFile
	if err := yaml.Unmarshal(defaultExamples, &f); err != nil {
		return nil, fmt.Errorf("op=llm.prompt: parse examples: %w", err)
	}
	if len(f.Sets[GeneralSet]) == 0 {
		return nil, fmt.Errorf("op=llm.prompt: %w: examples missing %q set", domain.ErrInvalidArgument, GeneralSet)
	}

	b := &PromptBuilder{
		system:    system,
		systemSHA: sha256Hex([]byte(system)),
		sets:      f.Sets,
		sigs:      make(map[string]string, len(f.Sets)),
	}
	for name, examples := range f.Sets {
		h := sha256.New()
		for _, ex := range examples {
			h.Write([]byte(ex.Post))
			h.Write([]byte{0})
			h.Write([]byte(ex.Extraction))
			h.Write([]byte{0})
		}
		b.sigs[name] = hex.EncodeToString(h.Sum(nil))[:12]
	}
	return b, nil
}

// Build returns the chat messages for one raw post: system prompt, the
// selected example set as alternating user/assistant turns, then the post
// itself as the final user turn.
func (b *PromptBuilder) Build(req domain.ExtractRequest) ([]Message, PromptInfo) {
	name := b.setFor(req)
	examples := b.sets[name]

	msgs := make([]Message, 0, 2+2*len(examples))
	msgs = append(msgs, Message{Role: "system", Content: b.system})
	for _, ex := range examples {
		msgs = append(msgs,
			Message{Role: "user", Content: strings.TrimSpace(ex.Post)},
			Message{Role: "assistant", Content: strings.TrimSpace(ex.Extraction)},
		)
	}
	msgs = append(msgs, Message{Role: "user", Content: req.RawText})

	return msgs, PromptInfo{SystemSHA: b.systemSHA, ExampleSet: name, ExampleSig: b.sigs[name]}
}

func (b *PromptBuilder) setFor(req domain.ExtractRequest) string {
	if req.AgencyKey != "" {
		if _, ok := b.sets[req.AgencyKey]; ok {
			return req.AgencyKey
		}
	}
	if u := strings.ToLower(strings.TrimPrefix(req.ChannelUsername, "@")); u != "" {
		if _, ok := b.sets[u]; ok {
			return u
		}
	}
	return GeneralSet
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
