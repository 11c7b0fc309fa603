// Package command handles the slash commands available inside a chat session.
package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/codefionn/sshllm/internal/consts"
)

// Prefix starts every command line.
const Prefix = "/"

// ErrQuitRequested is returned in Outcome.Err when the session should end.
var ErrQuitRequested = errors.New("quit requested")

// State is the part of a session that commands act on.
type State interface {
	// SetDisplayName records the name for this session and persists it.
	SetDisplayName(name string) error
	// ClearHistory resets the in-memory history to the system prompt.
	ClearHistory()
}

// Outcome is the result of a handled command line.
type Outcome struct {
	Verb string
	// Reply is local feedback for the client. It is never persisted.
	Reply string
	// Err is ErrQuitRequested, or a non-fatal failure the session should
	// report after Reply.
	Err error
}

// Quit reports whether the session should close.
func (o Outcome) Quit() bool {
	return errors.Is(o.Err, ErrQuitRequested)
}

type commandHelpEntry struct {
	Usage       string
	Description string
}

type commandDefinition struct {
	Name        string
	Aliases     []string
	Description string
	HelpEntry   *commandHelpEntry
	Handler     func(*Router, State, string) Outcome
}

func defaultCommandDefinitions() []commandDefinition {
	return []commandDefinition{
		{
			Name:        "name",
			Description: "Set your name",
			HelpEntry:   &commandHelpEntry{Usage: "/name <name>", Description: "Set your name"},
			Handler:     (*Router).handleName,
		},
		{
			Name:        "clear",
			Description: "Clear history",
			Handler:     (*Router).handleClear,
		},
		{
			Name:        "help",
			Description: "Show this",
			Handler:     (*Router).handleHelp,
		},
		{
			Name:        "quit",
			Aliases:     []string{"exit"},
			Description: "Exit",
			Handler:     (*Router).handleQuit,
		},
	}
}

// Router dispatches command lines. It holds no per-session state and may be
// shared by all sessions.
type Router struct {
	commands map[string]commandDefinition
	help     string
}

// NewRouter returns a router with the built-in commands.
func NewRouter() *Router {
	r := &Router{commands: make(map[string]commandDefinition)}
	definitions := defaultCommandDefinitions()
	for _, def := range definitions {
		r.commands[def.Name] = def
		for _, alias := range def.Aliases {
			r.commands[alias] = def
		}
	}
	r.help = buildHelpMessage(definitions)
	return r
}

// TryHandle executes line if it is a command. The second return value is
// false when the line is ordinary chat text and must go to the model.
// A line starting with the prefix is always handled, unknown verbs included.
func (r *Router) TryHandle(line string, st State) (Outcome, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, Prefix) {
		return Outcome{}, false
	}

	verb, arg := strings.TrimPrefix(trimmed, Prefix), ""
	if i := strings.IndexFunc(verb, unicode.IsSpace); i >= 0 {
		verb, arg = verb[:i], strings.TrimSpace(verb[i:])
	}
	verb = strings.ToLower(verb)

	def, ok := r.commands[verb]
	if !ok {
		return Outcome{Verb: verb, Reply: "Unknown command. Type /help for available commands."}, true
	}
	out := def.Handler(r, st, arg)
	out.Verb = def.Name
	return out, true
}

func (r *Router) handleName(st State, arg string) Outcome {
	name := NormalizeName(arg)
	if name == "" {
		return Outcome{Reply: "Usage: /name <your name>"}
	}
	out := Outcome{Reply: fmt.Sprintf("Nice to meet you, %s!", name)}
	if err := st.SetDisplayName(name); err != nil {
		out.Err = fmt.Errorf("name not saved: %w", err)
	}
	return out
}

func (r *Router) handleClear(st State, _ string) Outcome {
	st.ClearHistory()
	return Outcome{Reply: "Chat history cleared."}
}

func (r *Router) handleHelp(_ State, _ string) Outcome {
	return Outcome{Reply: r.help}
}

func (r *Router) handleQuit(_ State, _ string) Outcome {
	return Outcome{Reply: "Goodbye!", Err: ErrQuitRequested}
}

// NormalizeName collapses whitespace and control characters and limits the
// length, so the name fits on one line of the summary file.
func NormalizeName(s string) string {
	name := strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}), " ")
	if utf8.RuneCountInString(name) > consts.MaxDisplayNameLength {
		name = strings.TrimSpace(string([]rune(name)[:consts.MaxDisplayNameLength]))
	}
	return name
}

func buildHelpMessage(definitions []commandDefinition) string {
	entries := make([]commandHelpEntry, 0, len(definitions))
	for _, def := range definitions {
		if def.HelpEntry != nil {
			entries = append(entries, *def.HelpEntry)
			continue
		}
		entries = append(entries, commandHelpEntry{Usage: Prefix + def.Name, Description: def.Description})
	}

	maxWidth := 0
	for _, entry := range entries {
		maxWidth = max(maxWidth, len(entry.Usage))
	}

	var sb strings.Builder
	sb.WriteString("Commands:")
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("\n  %-*s - %s", maxWidth, entry.Usage, entry.Description))
	}
	return sb.String()
}

// Complete returns the command names starting with prefix, for tab completion.
func (r *Router) Complete(prefix string) []string {
	if !strings.HasPrefix(prefix, Prefix) {
		return nil
	}
	partial := strings.ToLower(strings.TrimPrefix(prefix, Prefix))

	var matches []string
	for verb := range r.commands {
		if strings.HasPrefix(verb, partial) {
			matches = append(matches, Prefix+verb)
		}
	}
	sort.Strings(matches)
	return matches
}
