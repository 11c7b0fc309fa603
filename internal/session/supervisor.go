// Package session runs one interactive chat over an established connection:
// it loads the identity's recent context, dispatches commands, relays model
// output and persists every exchange.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/sshllm/internal/command"
	"github.com/codefionn/sshllm/internal/consts"
	"github.com/codefionn/sshllm/internal/identity"
	"github.com/codefionn/sshllm/internal/llm"
	"github.com/codefionn/sshllm/internal/logger"
	"github.com/codefionn/sshllm/internal/progress"
	"github.com/codefionn/sshllm/internal/store"
	"github.com/muesli/termenv"
)

// maxErrorBodyRunes bounds how much of an endpoint error body is shown.
const maxErrorBodyRunes = 200

// State of a session. States only move forward.
type State int

const (
	Handshaking State = iota
	Authenticating
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal is the line-oriented channel to the client. *term.Terminal
// satisfies it.
type Terminal interface {
	io.Writer
	ReadLine() (string, error)
	SetPrompt(prompt string)
}

// Conversation is the persistence a session needs. *store.Handle satisfies it.
type Conversation interface {
	Profile() store.Profile
	Append(turn store.Turn) error
	Rename(name string) error
	LoadRecentContext(policy store.Policy) ([]store.Turn, error)
	Close()
}

// Opener opens the conversation for an identity. *store.Store satisfies it
// through StoreOpener.
type Opener func(identity.Identity) (Conversation, error)

// StoreOpener adapts a store to an Opener.
func StoreOpener(s *store.Store) Opener {
	return func(id identity.Identity) (Conversation, error) {
		h, err := s.Open(id)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Options configures a Supervisor.
type Options struct {
	ID        string
	Identity  identity.Identity
	Open      Opener
	Completer llm.Completer
	Router    *command.Router
	// SystemPrompt returns the base prompt; it is read once at session start.
	SystemPrompt func() string
	Model        string
	Context      store.Policy
	HistoryTurns int
	// HistoryTokens of 0 disables token budgeting.
	HistoryTokens int
	TokenCounter  llm.TokenCounter
	Styles        *Styles
	// Width returns the client's terminal width; nil means the default width.
	Width  func() int
	Logger *logger.Logger
	Now    func() time.Time
}

// Supervisor owns one connection's session from handshake to close.
type Supervisor struct {
	opts Options
	log  *logger.Logger

	mu    sync.Mutex
	state State

	// Set in Run; only touched by the session goroutine.
	conv        Conversation
	history     *History
	basePrompt  string
	displayName string
	sessionNum  int
	out         Terminal
}

// New creates a supervisor in the Handshaking state.
func New(opts Options) *Supervisor {
	if opts.Router == nil {
		opts.Router = command.NewRouter()
	}
	if opts.SystemPrompt == nil {
		opts.SystemPrompt = func() string { return "" }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().WithPrefix("session:" + opts.ID)
	}
	return &Supervisor{
		opts:  opts,
		log:   log,
		state: Handshaking,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the identity the session runs for.
func (s *Supervisor) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Identity
}

// Authenticating records that the transport is verifying the client.
func (s *Supervisor) Authenticating() {
	s.advance(Authenticating)
}

// Authenticated records the identity resolved by the transport. It has no
// effect once the session is running.
func (s *Supervisor) Authenticated(id identity.Identity) {
	s.advance(Authenticating)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Authenticating {
		s.opts.Identity = id
	}
}

// advance moves forward to next. Moving backwards is ignored.
func (s *Supervisor) advance(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next <= s.state {
		return false
	}
	s.log.Debug("state %s -> %s", s.state, next)
	s.state = next
	return true
}

// ID returns the session id.
func (s *Supervisor) ID() string {
	return s.opts.ID
}

// Router returns the command router the session dispatches to.
func (s *Supervisor) Router() *command.Router {
	return s.opts.Router
}

// SetStyles replaces the styles used by Run. Call it before Run.
func (s *Supervisor) SetStyles(st *Styles) {
	s.opts.Styles = st
}

// History returns the in-memory history. It is nil before Run.
func (s *Supervisor) History() *History {
	return s.history
}

// Run serves the interactive loop on t until the client quits, disconnects
// or ctx is canceled. Canceling ctx also cancels an in-flight completion.
// Run returns nil on a regular end of session.
func (s *Supervisor) Run(ctx context.Context, t Terminal) error {
	if !s.advance(Active) {
		return fmt.Errorf("session %s: cannot run in state %s", s.opts.ID, s.State())
	}
	s.out = t
	if s.opts.Styles == nil {
		s.opts.Styles = NewStyles(t, termenv.Ascii)
	}
	defer s.close()

	s.start()
	s.greet()

	for {
		if ctx.Err() != nil {
			return nil
		}
		t.SetPrompt(s.opts.Styles.UserPrompt())
		line, err := t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("client ended input")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if out, handled := s.opts.Router.TryHandle(line, s); handled {
			s.log.Debug("command /%s", out.Verb)
			if out.Reply != "" {
				writeLine(t, s.opts.Styles.Notice(out.Reply, s.width()))
			}
			if out.Quit() {
				return nil
			}
			if out.Err != nil {
				s.warn(out.Err)
			}
			continue
		}

		if err := s.exchange(ctx, line); err != nil {
			// Only a canceled context ends the session from here.
			return nil
		}
	}
}

// start opens the conversation and seeds the history. Storage failures
// degrade to an unsaved session.
func (s *Supervisor) start() {
	conv, err := s.opts.Open(s.opts.Identity)
	if err != nil {
		s.log.Warn("opening conversation for %s: %v", s.opts.Identity, err)
		s.warn(fmt.Errorf("chat history is unavailable, this session will not be saved: %w", err))
		conv = unsaved{}
	}
	s.conv = conv

	profile := conv.Profile()
	s.displayName = profile.DisplayName
	s.sessionNum = profile.SessionCount
	s.basePrompt = s.opts.SystemPrompt()

	s.history = NewHistory(s.systemPrompt(), s.opts.HistoryTurns, s.opts.HistoryTokens, s.opts.TokenCounter)

	turns, err := conv.LoadRecentContext(s.opts.Context)
	if err != nil {
		s.log.Warn("loading context for %s: %v", s.opts.Identity, err)
		s.warn(fmt.Errorf("previous conversation could not be loaded: %w", err))
		turns = nil
	}
	s.history.Seed(turns)

	s.log.Info("session #%d for %s started with %d context turns", s.sessionNum, s.opts.Identity, len(turns))
}

func (s *Supervisor) greet() {
	writeLine(s.out, s.opts.Styles.Banner(s.opts.Model, s.width()))
	var welcome string
	if s.displayName != "" {
		welcome = fmt.Sprintf("Welcome back, %s! How can I help you today?", s.displayName)
	} else {
		welcome = "Welcome! Type /name <your name> to introduce yourself, or just start chatting!"
	}
	writeLine(s.out, s.opts.Styles.Notice(welcome, s.width()))
}

// close runs Closing: the conversation handle releases its lock reference.
func (s *Supervisor) close() {
	s.advance(Closing)
	if s.conv != nil {
		s.conv.Close()
	}
	s.advance(Closed)
	s.log.Info("session closed")
}

// exchange sends one user line to the model and relays the answer. It
// returns an error only when ctx was canceled.
func (s *Supervisor) exchange(ctx context.Context, text string) error {
	if err := s.conv.Append(store.Turn{Time: s.opts.Now(), Role: store.RoleUser, Text: text}); err != nil {
		s.log.Warn("persisting user turn: %v", err)
		s.warn(fmt.Errorf("message not saved: %w", err))
	}
	s.history.Add(llm.RoleUser, text)
	s.history.SetSystemPrompt(s.systemPrompt())

	indicator := progress.New(s.out, "thinking...", s.opts.Styles.Spinner).WithSpinner(s.opts.Styles.Frames())
	indicator.Start()

	stream := s.opts.Completer.Complete(ctx, s.history.Messages())
	var reply strings.Builder
	printed := false
	for stream.Next() {
		if !printed {
			indicator.Stop()
			fmt.Fprint(s.out, s.opts.Styles.AssistantPrefix())
			printed = true
		}
		chunk := stream.Chunk()
		reply.WriteString(chunk)
		fmt.Fprint(s.out, chunk)
	}
	indicator.Stop()
	stream.Close()
	if printed {
		fmt.Fprint(s.out, "\n")
	}

	err := stream.Err()
	if err == nil {
		if reply.Len() == 0 {
			writeLine(s.out, s.opts.Styles.Notice("(the model returned an empty response)", s.width()))
			return nil
		}
		s.history.Add(llm.RoleAssistant, reply.String())
		if err := s.conv.Append(store.Turn{Time: s.opts.Now(), Role: store.RoleAssistant, Text: reply.String()}); err != nil {
			s.log.Warn("persisting assistant turn: %v", err)
			s.warn(fmt.Errorf("reply not saved: %w", err))
		}
		return nil
	}

	if reply.Len() > 0 {
		partial := store.Turn{Time: s.opts.Now(), Role: store.RoleAssistant, Text: reply.String(), Incomplete: true}
		if err := s.conv.Append(partial); err != nil {
			s.log.Warn("persisting partial turn: %v", err)
		}
	}

	if ctx.Err() != nil {
		s.log.Info("completion canceled: %v", ctx.Err())
		return ctx.Err()
	}

	s.log.Warn("completion failed: %v", err)
	writeLine(s.out, s.opts.Styles.Error(describe(err), s.width()))
	return nil
}

// systemPrompt personalizes the base prompt with what is known about the user.
func (s *Supervisor) systemPrompt() string {
	prompt := s.basePrompt
	if s.displayName != "" {
		prompt += fmt.Sprintf("\n\nThe user's name is %s. Address them by name occasionally.", s.displayName)
	}
	if s.sessionNum > 1 {
		prompt += fmt.Sprintf("\nThis is session #%d with this user.", s.sessionNum)
	}
	return prompt
}

// SetDisplayName implements command.State.
func (s *Supervisor) SetDisplayName(name string) error {
	s.displayName = name
	if err := s.conv.Rename(name); err != nil {
		s.log.Warn("persisting display name: %v", err)
		return err
	}
	return nil
}

// ClearHistory implements command.State.
func (s *Supervisor) ClearHistory() {
	s.history.Reset()
}

func (s *Supervisor) warn(err error) {
	writeLine(s.out, s.opts.Styles.Warning(err.Error(), s.width()))
}

func (s *Supervisor) width() int {
	if s.opts.Width != nil {
		if w := s.opts.Width(); w > 0 {
			return w
		}
	}
	return consts.DefaultTerminalWidth
}

func describe(err error) string {
	var endpointErr *llm.EndpointError
	switch {
	case errors.Is(err, llm.ErrEndpointTimeout):
		return "the model did not respond in time. Please try again."
	case errors.Is(err, llm.ErrEndpointUnreachable):
		return "could not reach the model endpoint. Please try again later."
	case errors.As(err, &endpointErr):
		body := endpointErr.Body
		if runes := []rune(body); len(runes) > maxErrorBodyRunes {
			body = string(runes[:maxErrorBodyRunes]) + "..."
		}
		if body == "" {
			return fmt.Sprintf("the model endpoint returned status %d.", endpointErr.Status)
		}
		return fmt.Sprintf("the model endpoint returned status %d: %s", endpointErr.Status, body)
	case errors.Is(err, llm.ErrStreamInterrupted):
		return "the response was interrupted."
	default:
		return err.Error()
	}
}

// unsaved stands in when the store cannot be opened.
type unsaved struct{}

func (unsaved) Profile() store.Profile                               { return store.Profile{} }
func (unsaved) Append(store.Turn) error                              { return nil }
func (unsaved) Rename(string) error                                  { return nil }
func (unsaved) LoadRecentContext(store.Policy) ([]store.Turn, error) { return nil, nil }
func (unsaved) Close()                                               {}
