package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"advisor-agent/internal/domain/ports/adapter"
)

// per-message framing overhead used by chat formats
const tokensPerMessage = 4

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encCache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		enc = nil
	}
	encCache[model] = enc
	return enc
}

// CountTextTokens counts tokens of a single string. Without a tokenizer it
// falls back to roughly four characters per token.
func CountTextTokens(model, text string) int {
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// CountMessageTokens estimates prompt tokens for a chat request.
func CountMessageTokens(model string, messages []adapter.Message) int {
	total := 3
	for _, m := range messages {
		total += tokensPerMessage + CountTextTokens(model, m.Role) + CountTextTokens(model, m.Content)
	}
	return total
}
