// Package status serves a small read-only HTTP API about the running server.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/sshllm/internal/consts"
	"github.com/codefionn/sshllm/internal/identity"
	"github.com/codefionn/sshllm/internal/logger"
	"github.com/codefionn/sshllm/internal/server"
	"github.com/codefionn/sshllm/internal/store"
	"github.com/julienschmidt/httprouter"
)

// Sessions lists live connections. *server.Registry satisfies it.
type Sessions interface {
	List() []server.SessionInfo
	ByIdentity(dir string) []server.SessionInfo
}

// Profiles reads stored identities. *store.Store satisfies it.
type Profiles interface {
	ReadProfile(dir string) (store.Profile, bool, error)
	LogDays(dir string) ([]string, error)
}

// Server provides the status HTTP interface
type Server struct {
	sessions Sessions
	profiles Profiles
	started  time.Time
	log      *logger.Logger
	router   *httprouter.Router

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// identityView is the JSON form of a stored identity.
type identityView struct {
	Identity     string               `json:"identity"`
	DisplayName  string               `json:"display_name,omitempty"`
	FirstSeen    *time.Time           `json:"first_seen,omitempty"`
	LastSeen     *time.Time           `json:"last_seen,omitempty"`
	SessionCount int                  `json:"session_count"`
	LogDays      []string             `json:"log_days"`
	Live         []server.SessionInfo `json:"live"`
}

// NewServer creates a status server. profiles may be nil, which disables
// the identity route.
func NewServer(sessions Sessions, profiles Profiles, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global().WithPrefix("status")
	}
	s := &Server{
		sessions: sessions,
		profiles: profiles,
		started:  time.Now(),
		log:      log,
		router:   httprouter.New(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/sessions", s.handleSessions)
	s.router.GET("/sessions/:identity", s.handleIdentitySessions)
	if s.profiles != nil {
		s.router.GET("/identities/:identity", s.handleIdentity)
	}
}

// Handler returns the routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.Timeout5Seconds,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelWarn),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.server = srv
	s.mu.Unlock()

	s.log.Info("Status endpoint listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.List()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleIdentitySessions(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dir := ps.ByName("identity")
	if !identity.ValidDir(dir) {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.ByIdentity(dir))
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dir := ps.ByName("identity")
	if !identity.ValidDir(dir) {
		writeError(w, http.StatusBadRequest, "invalid identity")
		return
	}

	profile, found, err := s.profiles.ReadProfile(dir)
	if err != nil {
		s.log.Warn("reading profile %s: %v", dir, err)
		writeError(w, http.StatusInternalServerError, "could not read profile")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown identity")
		return
	}
	days, err := s.profiles.LogDays(dir)
	if err != nil {
		s.log.Warn("listing logs of %s: %v", dir, err)
		writeError(w, http.StatusInternalServerError, "could not list logs")
		return
	}

	view := identityView{
		Identity:     dir,
		DisplayName:  profile.DisplayName,
		SessionCount: profile.SessionCount,
		LogDays:      days,
		Live:         s.sessions.ByIdentity(dir),
	}
	if view.LogDays == nil {
		view.LogDays = []string{}
	}
	if !profile.FirstSeen.IsZero() {
		view.FirstSeen = &profile.FirstSeen
	}
	if !profile.LastSeen.IsZero() {
		view.LastSeen = &profile.LastSeen
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
