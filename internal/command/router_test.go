package command

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	name      string
	renameErr error
	cleared   int
}

func (f *fakeState) SetDisplayName(name string) error {
	f.name = name
	return f.renameErr
}

func (f *fakeState) ClearHistory() {
	f.cleared++
}

func TestTryHandleNotACommand(t *testing.T) {
	r := NewRouter()
	st := &fakeState{}

	for _, line := range []string{"hello", "what is 1/2?", "", "   ", "name Alice"} {
		_, handled := r.TryHandle(line, st)
		assert.False(t, handled, "line %q", line)
	}
	assert.Zero(t, st.cleared)
	assert.Empty(t, st.name)
}

func TestTryHandleCommands(t *testing.T) {
	tests := []struct {
		line    string
		verb    string
		reply   string
		quit    bool
		name    string
		cleared int
	}{
		{line: "/name Alice", verb: "name", reply: "Nice to meet you, Alice!", name: "Alice"},
		{line: "  /NAME   Bob Smith  ", verb: "name", reply: "Nice to meet you, Bob Smith!", name: "Bob Smith"},
		{line: "/name", verb: "name", reply: "Usage: /name <your name>"},
		{line: "/name    ", verb: "name", reply: "Usage: /name <your name>"},
		{line: "/clear", verb: "clear", reply: "Chat history cleared.", cleared: 1},
		{line: "/Clear now", verb: "clear", reply: "Chat history cleared.", cleared: 1},
		{line: "/quit", verb: "quit", reply: "Goodbye!", quit: true},
		{line: "/exit", verb: "quit", reply: "Goodbye!", quit: true},
		{line: "/frobnicate", verb: "frobnicate", reply: "Unknown command. Type /help for available commands."},
		{line: "/", verb: "", reply: "Unknown command. Type /help for available commands."},
	}

	r := NewRouter()
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			st := &fakeState{}
			out, handled := r.TryHandle(tt.line, st)
			require.True(t, handled)
			assert.Equal(t, tt.verb, out.Verb)
			assert.Equal(t, tt.reply, out.Reply)
			assert.Equal(t, tt.quit, out.Quit())
			assert.Equal(t, tt.name, st.name)
			assert.Equal(t, tt.cleared, st.cleared)
			if !tt.quit {
				assert.NoError(t, out.Err)
			}
		})
	}
}

func TestHelpListsCommands(t *testing.T) {
	r := NewRouter()
	out, handled := r.TryHandle("/help", &fakeState{})
	require.True(t, handled)
	assert.Equal(t, "Commands:\n"+
		"  /name <name> - Set your name\n"+
		"  /clear       - Clear history\n"+
		"  /help        - Show this\n"+
		"  /quit        - Exit", out.Reply)
}

func TestNameSaveFailureIsReported(t *testing.T) {
	r := NewRouter()
	st := &fakeState{renameErr: errors.New("disk full")}

	out, handled := r.TryHandle("/name Alice", st)
	require.True(t, handled)
	assert.Equal(t, "Nice to meet you, Alice!", out.Reply)
	require.Error(t, out.Err)
	assert.False(t, out.Quit())
	assert.Contains(t, out.Err.Error(), "disk full")
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", NormalizeName(" Ada \t  Lovelace\r\n"))
	assert.Equal(t, "", NormalizeName("\x00\x1b"))
	assert.Equal(t, strings.Repeat("é", 64), NormalizeName(strings.Repeat("é", 100)))
}

func TestComplete(t *testing.T) {
	r := NewRouter()
	assert.Equal(t, []string{"/clear"}, r.Complete("/c"))
	assert.Equal(t, []string{"/clear", "/exit", "/help", "/name", "/quit"}, r.Complete("/"))
	assert.Empty(t, r.Complete("/z"))
	assert.Nil(t, r.Complete("hello"))
}
