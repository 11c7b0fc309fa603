// Package server accepts SSH connections and hands each interactive shell to
// a session supervisor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/sshllm/internal/consts"
	"github.com/codefionn/sshllm/internal/identity"
	"github.com/codefionn/sshllm/internal/logger"
	"github.com/codefionn/sshllm/internal/session"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	serverVersion = "SSH-2.0-sshllm"
	// extPublicKey carries the wire form of the authenticated key from the
	// auth callback to the connection handler.
	extPublicKey = "sshllm-pubkey"
)

// Config configures a Server.
type Config struct {
	HostKey        ssh.Signer
	MaxConnections int
	// HandshakeTimeout bounds key exchange plus authentication. Zero uses
	// consts.HandshakeTimeout.
	HandshakeTimeout time.Duration
	// Session is the template for every connection's supervisor. ID,
	// Identity, Width and Logger are filled in per connection.
	Session session.Options
	Logger  *logger.Logger
}

// Server is the SSH front end.
type Server struct {
	cfg      Config
	log      *logger.Logger
	registry *Registry

	mu       sync.Mutex
	listener net.Listener
	running  bool
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a server. It does not listen until Serve.
func New(cfg Config) (*Server, error) {
	if cfg.HostKey == nil {
		return nil, errors.New("server: host key is required")
	}
	if cfg.Session.Open == nil || cfg.Session.Completer == nil {
		return nil, errors.New("server: session options need an opener and a completer")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = consts.HandshakeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().WithPrefix("server")
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: NewRegistry(cfg.MaxConnections),
	}, nil
}

// Registry exposes the live connections.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is canceled or Stop is called.
// It returns nil once the server is stopped.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("SSH server listening on %s (max connections: %d)", ln.Addr(), s.cfg.MaxConnections)
	return s.acceptLoop(ctx, ln)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("Accept loop stopped")
				return nil
			}
			s.log.Error("Error accepting connection: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		id := uuid.NewString()
		pty := newPTY()
		opts := s.cfg.Session
		opts.ID = id
		opts.Identity = identity.Identity{}
		opts.Width = pty.Width
		opts.Logger = s.log.WithPrefix("session:" + id[:8])
		sup := session.New(opts)

		if !s.registry.tryAdd(id, conn, sup, time.Now()) {
			s.log.Warn("Connection limit reached, rejecting connection from %s", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		s.log.Debug("New connection accepted: %s from %s (total: %d)", id, conn.RemoteAddr(), s.registry.Count())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.registry.remove(id)
			s.handleConn(ctx, conn, sup, pty)
		}()
	}
}

// Stop closes the listener, cancels every session and waits for them to
// end. Connections still open when ctx expires are closed forcibly.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()

		s.log.Info("Stopping SSH server...")
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			n := s.registry.closeAll()
			s.log.Warn("Forcibly closed %d connections", n)
			<-done
			err = ctx.Err()
		}
		s.log.Info("SSH server stopped")
	})
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, sup *session.Supervisor, pty *ptyState) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig(sup))
	if err != nil {
		s.log.Debug("handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sconn.Close()
	_ = conn.SetDeadline(time.Time{})

	ident, key, err := identityOf(sconn)
	if err != nil {
		s.log.Warn("resolving identity of %s: %v", conn.RemoteAddr(), err)
		return
	}
	sup.Authenticated(ident)
	s.log.Info("connection from %s authenticated as %s (%s)", conn.RemoteAddr(), clientLabel(ident, key), sconn.ClientVersion())

	go ssh.DiscardRequests(reqs)

	var channels sync.WaitGroup
	served := false
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		if served {
			_ = newCh.Reject(ssh.Prohibited, "one session per connection")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			s.log.Warn("accepting session channel: %v", err)
			continue
		}
		served = true
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.serveChannel(ctx, sup, pty, ch, chReqs)
			_ = sconn.Close()
		}()
	}
	channels.Wait()
}

// serverConfig builds the per-connection SSH configuration. Every client is
// admitted; the offered public key, if any, only selects the identity.
func (s *Server) serverConfig(sup *session.Supervisor) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: serverVersion,
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			sup.Authenticating()
			return &ssh.Permissions{
				Extensions: map[string]string{extPublicKey: string(key.Marshal())},
			}, nil
		},
		KeyboardInteractiveCallback: func(_ ssh.ConnMetadata, _ ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			sup.Authenticating()
			return &ssh.Permissions{}, nil
		},
		PasswordCallback: func(_ ssh.ConnMetadata, _ []byte) (*ssh.Permissions, error) {
			sup.Authenticating()
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(s.cfg.HostKey)
	return cfg
}

func identityOf(sconn *ssh.ServerConn) (identity.Identity, ssh.PublicKey, error) {
	var key ssh.PublicKey
	if sconn.Permissions != nil {
		if raw, ok := sconn.Permissions.Extensions[extPublicKey]; ok {
			parsed, err := ssh.ParsePublicKey([]byte(raw))
			if err != nil {
				return identity.Identity{}, nil, fmt.Errorf("parsing client key: %w", err)
			}
			key = parsed
		}
	}
	return identity.Resolve(key, sconn.RemoteAddr().String()), key, nil
}

// clientLabel names a client in logs, with the key fingerprint when there is one.
func clientLabel(ident identity.Identity, key ssh.PublicKey) string {
	if fp := identity.DisplayFingerprint(key); fp != "" {
		return fmt.Sprintf("%s [%s %s]", ident, key.Type(), fp)
	}
	return ident.String()
}
