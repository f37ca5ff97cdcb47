package llm

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt tokens with tiktoken. Locally served models
// are not in tiktoken's model table, so unknown names fall back to
// cl100k_base; a failed encoding load (offline BPE fetch) degrades to the
// rough four-characters-per-token heuristic instead of erroring.
type TokenCounter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// EstimateMessages counts prompt tokens for a chat completion request:
// encoded role and content per message plus the per-message framing overhead
// and the assistant reply primer.
func (c *TokenCounter) EstimateMessages(model string, msgs []Message) int {
	enc := c.encoding(model)
	if enc == nil {
		total := 0
		for _, m := range msgs {
			total += len(m.Content)/4 + 4
		}
		return total + 3
	}
	total := 0
	for _, m := range msgs {
		total += 3
		total += len(enc.Encode(m.Role, nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total + 3
}

// encoding caches per model, including negative results, so a model whose
// encoding cannot be loaded costs one attempt rather than one per request.
func (c *TokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encodings[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	c.encodings[model] = enc
	return enc
}
