package memory

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter computes token costs for one model.
type Counter struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter builds a counter for a model name. The encoder loads lazily;
// unknown models fall back to deterministic word-based counting.
func NewCounter(model string) *Counter {
	return &Counter{model: model}
}

// Count returns the token cost of text: the model tokenizer when available,
// otherwise words x 1.3 rounded up.
func (c *Counter) Count(text string) int {
	c.once.Do(func() {
		if c.model == "" {
			return
		}
		enc, err := tiktoken.EncodingForModel(c.model)
		if err != nil {
			return
		}
		c.enc = enc
	})

	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return fallbackCount(text)
}

// fallbackCount is the deterministic word-based estimate: ceil(words * 1.3),
// in integer arithmetic so the result never drifts.
func fallbackCount(text string) int {
	words := len(strings.Fields(text))
	return (words*13 + 9) / 10
}
