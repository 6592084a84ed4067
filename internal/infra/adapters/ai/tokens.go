package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"whatsapp-ai-platform/internal/domain/ports/adapter"
)

const fallbackEncoding = "cl100k_base"

// tokenCounter caches one encoder per model. When no encoder can be loaded it
// falls back to a four-characters-per-token estimate.
type tokenCounter struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{encs: map[string]*tiktoken.Tiktoken{}}
}

func (c *tokenCounter) encoder(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	c.encs[model] = enc
	return enc
}

// Count follows the chat format accounting: 3 tokens of framing per message
// plus 3 priming the reply.
func (c *tokenCounter) Count(model string, messages []adapter.Message) int {
	enc := c.encoder(model)
	total := 3
	for _, m := range messages {
		total += 3
		total += c.text(enc, m.Role)
		total += c.text(enc, m.Content)
		for _, tc := range m.ToolCalls {
			total += c.text(enc, tc.Name) + c.text(enc, tc.Arguments)
		}
	}
	return total
}

func (c *tokenCounter) text(enc *tiktoken.Tiktoken, s string) int {
	if s == "" {
		return 0
	}
	if enc == nil {
		return EstimateTokens(s)
	}
	return len(enc.Encode(s, nil, nil))
}

// EstimateTokens approximates a token count without an encoder.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	return (n + 3) / 4
}
