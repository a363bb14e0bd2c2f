// Package tokens provides token counting backed by the model tokenizer.
//
// The counter must use the same encoding the generator was loaded with;
// prompt budgets are computed from these counts and an approximation would
// silently overflow the model context. A chars/4 estimate exists only as a
// flagged fallback for environments where the encoding data is unavailable.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a specific model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
	fallback bool
	mu       sync.RWMutex
}

var (
	// Encodings are expensive to build; cache them per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model name. If the model has
// no registered encoding, cl100k_base is used. If no encoding can be loaded
// at all the counter degrades to a chars/4 estimate and Fallback() reports
// true.
func NewCounter(model string) (*Counter, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required for token counting")
	}

	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Last resort: estimate only. Callers can inspect Fallback().
			return &Counter{model: model, fallback: true}, nil
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encoding == nil {
		return len(text) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountBatch counts tokens for each text in one pass. The result has the
// same length and order as texts, and CountBatch([]string{t})[0] always
// equals Count(t).
func (c *Counter) CountBatch(texts []string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make([]int, len(texts))
	for i, text := range texts {
		if c.encoding == nil {
			counts[i] = len(text) / 4
			continue
		}
		counts[i] = len(c.encoding.Encode(text, nil, nil))
	}
	return counts
}

// Encode returns the token ids for text.
func (c *Counter) Encode(text string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encoding == nil {
		return nil
	}
	return c.encoding.Encode(text, nil, nil)
}

// Decode converts token ids back to text.
func (c *Counter) Decode(ids []int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.encoding == nil {
		return ""
	}
	return c.encoding.Decode(ids)
}

// Fallback reports whether the counter is running on the chars/4 estimate
// instead of a real encoding.
func (c *Counter) Fallback() bool {
	return c.fallback
}

// Model returns the model name this counter was configured for.
func (c *Counter) Model() string {
	return c.model
}
