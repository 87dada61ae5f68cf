package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt and answer sizes client-side. The encoding
// is loaded lazily; if it cannot be loaded the counter approximates with
// four characters per token.
type TokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TokenCounter{encoding: encoding}
}

func (c *TokenCounter) load() {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err == nil {
			c.enc = enc
		}
	})
}

func (c *TokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if c != nil {
		c.load()
		if c.enc != nil {
			return len(c.enc.Encode(text, nil, nil))
		}
	}
	return (len(text) + 3) / 4
}

// CountMessagesTokens follows the chat format overhead of ~4 tokens per
// message plus 3 for the reply primer.
func (c *TokenCounter) CountMessagesTokens(messages []Message) int {
	total := 3
	for _, m := range messages {
		total += 4 + c.CountTokens(m.Role) + c.CountTokens(m.Content)
	}
	return total
}
