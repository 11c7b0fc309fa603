package session

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/codefionn/sshllm/internal/llm"
)

// scriptTerminal replays lines and records everything written.
type scriptTerminal struct {
	mu      sync.Mutex
	lines   []string
	out     bytes.Buffer
	prompts []string
}

func newScriptTerminal(lines ...string) *scriptTerminal {
	return &scriptTerminal{lines: lines}
}

func (t *scriptTerminal) ReadLine() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return "", io.EOF
	}
	line := t.lines[0]
	t.lines = t.lines[1:]
	return line, nil
}

func (t *scriptTerminal) SetPrompt(prompt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prompts = append(t.prompts, prompt)
}

func (t *scriptTerminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.Write(p)
}

func (t *scriptTerminal) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.String()
}

// scriptedReply is what the fake completer answers to one request.
type scriptedReply struct {
	chunks []string
	err    error
	// block makes the stream wait for cancellation after the chunks.
	block bool
}

type fakeCompleter struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests [][]llm.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message) llm.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]llm.Message(nil), messages...))

	reply := scriptedReply{}
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	return &fakeStream{ctx: ctx, reply: reply}
}

func (f *fakeCompleter) Requests() [][]llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type fakeStream struct {
	ctx   context.Context
	reply scriptedReply
	pos   int
	cur   string
	err   error
}

func (s *fakeStream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.pos < len(s.reply.chunks) {
		s.cur = s.reply.chunks[s.pos]
		s.pos++
		return true
	}
	if s.reply.block {
		<-s.ctx.Done()
		s.err = s.ctx.Err()
		return false
	}
	s.err = s.reply.err
	return false
}

func (s *fakeStream) Chunk() string { return s.cur }
func (s *fakeStream) Err() error    { return s.err }
func (s *fakeStream) Close() error  { return nil }
