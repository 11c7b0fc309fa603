package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const perMessageOverhead = 4

// TokenCounter estimates how many tokens a history costs.
type TokenCounter interface {
	Count(text string) int
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }

// EstimateTokenCount returns a rough token estimate (about 4 characters per token).
func EstimateTokenCount(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

// tiktokenCounter loads its encoding on first use. tiktoken may fetch the
// BPE ranks over the network, so nothing happens at construction time.
type tiktokenCounter struct {
	model   string
	once    sync.Once
	encoder *tiktoken.Tiktoken
}

// NewTokenCounter returns a counter using the model's tiktoken encoding,
// cl100k_base for unknown models, and EstimateTokenCount when no encoding
// can be loaded.
func NewTokenCounter(model string) TokenCounter {
	return &tiktokenCounter{model: model}
}

func (c *tiktokenCounter) load() {
	encoder, err := tiktoken.EncodingForModel(c.model)
	if err == nil {
		c.encoder = encoder
		return
	}
	if fallback, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		c.encoder = fallback
	}
}

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(c.load)
	if c.encoder == nil {
		return EstimateTokenCount(text)
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// MessagesTokens sums the cost of messages including per-message overhead.
func MessagesTokens(counter TokenCounter, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += counter.Count(m.Content) + perMessageOverhead
	}
	return total
}
