package session

import (
	"sync"

	"github.com/codefionn/sshllm/internal/llm"
	"github.com/codefionn/sshllm/internal/store"
)

// History is the message list sent with every request. The system prompt
// always comes first and is never trimmed.
type History struct {
	mu        sync.RWMutex
	system    string
	turns     []llm.Message
	maxTurns  int
	maxTokens int
	counter   llm.TokenCounter
}

// NewHistory creates a history. maxTurns and maxTokens of 0 disable the
// respective bound. counter may be nil when maxTokens is 0.
func NewHistory(system string, maxTurns, maxTokens int, counter llm.TokenCounter) *History {
	if counter == nil {
		counter = llm.TokenCounterFunc(llm.EstimateTokenCount)
	}
	return &History{
		system:    system,
		maxTurns:  maxTurns,
		maxTokens: maxTokens,
		counter:   counter,
	}
}

// SetSystemPrompt replaces the leading system message.
func (h *History) SetSystemPrompt(prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.system = prompt
}

// Seed appends persisted turns, oldest first.
func (h *History) Seed(turns []store.Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		h.turns = append(h.turns, llm.Message{Role: role, Content: t.Text})
	}
	h.trimLocked()
}

// Add appends one message and applies the bounds.
func (h *History) Add(role llm.Role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, llm.Message{Role: role, Content: content})
	h.trimLocked()
}

// Reset drops everything but the system prompt.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// Messages returns a copy: system prompt first, then turns in order.
func (h *History) Messages() []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]llm.Message, 0, len(h.turns)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: h.system})
	return append(out, h.turns...)
}

// Len counts messages including the system prompt.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns) + 1
}

// trimLocked drops the oldest turns until both bounds hold. The newest turn
// is always kept.
func (h *History) trimLocked() {
	if h.maxTurns > 0 && len(h.turns) > h.maxTurns {
		h.turns = append([]llm.Message(nil), h.turns[len(h.turns)-h.maxTurns:]...)
	}
	if h.maxTokens <= 0 {
		return
	}
	system := h.counter.Count(h.system)
	for len(h.turns) > 1 && system+llm.MessagesTokens(h.counter, h.turns) > h.maxTokens {
		h.turns = h.turns[1:]
	}
}
