package server

import (
	"context"
	"strings"
	"sync"

	"github.com/codefionn/sshllm/internal/command"
	"github.com/codefionn/sshllm/internal/consts"
	"github.com/codefionn/sshllm/internal/session"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// ptyRequest is the payload of a "pty-req" channel request (RFC 4254 6.2).
type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

// windowChange is the payload of a "window-change" request (RFC 4254 6.7).
type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatus struct {
	Status uint32
}

// ptyState is the terminal the client announced.
type ptyState struct {
	mu   sync.Mutex
	term string
	cols int
	rows int
}

func newPTY() *ptyState {
	return &ptyState{cols: consts.DefaultTerminalWidth, rows: 24}
}

func (p *ptyState) set(termName string, cols, rows uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if termName != "" {
		p.term = termName
	}
	if cols > 0 {
		p.cols = int(cols)
	}
	if rows > 0 {
		p.rows = int(rows)
	}
}

func (p *ptyState) resize(cols, rows uint32) {
	p.set("", cols, rows)
}

// Width returns the current column count.
func (p *ptyState) Width() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols
}

func (p *ptyState) snapshot() (string, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term, p.cols, p.rows
}

// serveChannel answers the channel's requests and runs the supervisor once
// the client asks for a shell. Commands (exec) and subsystems are refused.
func (s *Server) serveChannel(ctx context.Context, sup *session.Supervisor, pty *ptyState, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := term.NewTerminal(ch, "")
	t.AutoCompleteCallback = completeCommand(sup.Router())

	var done chan error
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				cancel()
				if done != nil {
					_ = ch.Close()
					<-done
				}
				return
			}
			s.handleRequest(ctx, req, sup, pty, t, ch, &done)

		case err := <-done:
			status := uint32(0)
			if err != nil {
				s.log.Warn("session %s ended with error: %v", sup.ID(), err)
				status = 1
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: status}))
			go ssh.DiscardRequests(reqs)
			return
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req *ssh.Request, sup *session.Supervisor, pty *ptyState, t *term.Terminal, ch ssh.Channel, done *chan error) {
	ok := false
	switch req.Type {
	case "pty-req":
		var p ptyRequest
		if err := ssh.Unmarshal(req.Payload, &p); err == nil {
			pty.set(p.Term, p.Columns, p.Rows)
			_, cols, rows := pty.snapshot()
			_ = t.SetSize(cols, rows)
			ok = true
		}

	case "window-change":
		var w windowChange
		if err := ssh.Unmarshal(req.Payload, &w); err == nil {
			pty.resize(w.Columns, w.Rows)
			_, cols, rows := pty.snapshot()
			_ = t.SetSize(cols, rows)
			ok = true
		}

	case "env":
		ok = true

	case "shell":
		if *done == nil {
			ok = true
			termName, _, _ := pty.snapshot()
			sup.SetStyles(session.NewStyles(ch, session.ProfileForTerm(termName)))
			result := make(chan error, 1)
			*done = result
			go func() {
				result <- sup.Run(ctx, t)
			}()
		}

	default:
		s.log.Debug("refusing %q request", req.Type)
	}

	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// completeCommand completes a partially typed command name on Tab.
func completeCommand(router *command.Router) func(string, int, rune) (string, int, bool) {
	return func(line string, pos int, key rune) (string, int, bool) {
		if key != '\t' || pos != len(line) || !strings.HasPrefix(line, command.Prefix) {
			return "", 0, false
		}
		if strings.ContainsAny(line, " \t") {
			return "", 0, false
		}
		matches := router.Complete(line)
		if len(matches) != 1 {
			return "", 0, false
		}
		completed := matches[0] + " "
		return completed, len(completed), true
	}
}
