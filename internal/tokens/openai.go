// Package tokens counts and clips text to a token budget before it is sent upstream.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counts for OpenAI-compatible models using tiktoken.
type Counter struct {
	model string
	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
	fallback   *Estimator
}

// NewCounter creates a counter for model.
func NewCounter(model string) *Counter {
	return &Counter{
		model:      model,
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
		fallback:   NewEstimator(),
	}
}

// getCodec returns the tokenizer codec for the counter's model.
func (c *Counter) getCodec() (tokenizer.Codec, error) {
	if codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(c.model))); err == nil {
		return codec, nil
	}

	// Fall back to encoding based on model prefix
	encoding := modelToEncoding(c.model)

	c.cacheMu.RLock()
	if cached, ok := c.codecCache[encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// modelToEncoding maps model names to encoding names.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, O-series and unknown models
// - Cl100kBase: GPT-4, GPT-3.5-turbo
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	codec, err := c.getCodec()
	if err != nil {
		return c.fallback.Count(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

// Truncate clips text to at most max tokens. max <= 0 disables clipping.
// The second return reports whether text was clipped.
func (c *Counter) Truncate(text string, max int) (string, bool) {
	if max <= 0 || text == "" {
		return text, false
	}

	codec, err := c.getCodec()
	if err != nil {
		return c.fallback.Truncate(text, max)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.Truncate(text, max)
	}
	if len(ids) <= max {
		return text, false
	}

	clipped, err := codec.Decode(ids[:max])
	if err != nil {
		return c.fallback.Truncate(text, max)
	}
	// A token boundary can split a multi-byte rune.
	return strings.ToValidUTF8(clipped, ""), true
}
