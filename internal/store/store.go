// Package store persists conversations per client identity.
//
// Layout under the root directory:
//
//	<dir>/summary.txt             profile (display name, first/last seen, session count)
//	<dir>/chat_YYYY-MM-DD.log     one JSON object per line, one line per turn
//
// Mutations for one identity are serialized through an in-process lock
// registry; different identities never contend. Reads take no lock and only
// consider complete lines, so they tolerate a file that is being appended to.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codefionn/sshllm/internal/identity"
	"github.com/codefionn/sshllm/internal/logger"
)

// ErrMalformedEntry marks a log line that could not be decoded. Such lines
// are skipped while loading context.
var ErrMalformedEntry = errors.New("malformed log entry")

// ErrClosed is returned by handle operations after Close.
var ErrClosed = errors.New("conversation handle is closed")

// IOError wraps a filesystem failure. Callers treat it as non-fatal.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Role of a persisted turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role that may be persisted.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one persisted message.
type Turn struct {
	Time time.Time
	Role Role
	Text string
	// Incomplete marks assistant output that was cut short.
	Incomplete bool
}

// Store is safe for concurrent use by any number of sessions.
type Store struct {
	root  string
	locks *lockRegistry
	now   func() time.Time
	log   *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. The clock's location decides which
// daily log a turn goes to.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New returns a store rooted at root. Nothing is created on disk until the
// first Open.
func New(root string, opts ...Option) *Store {
	s := &Store{
		root:  root,
		locks: newLockRegistry(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().WithPrefix("store")
	}
	return s
}

// Root returns the directory holding all identity directories.
func (s *Store) Root() string {
	return s.root
}

// Handle is one session's view of an identity's store. It holds a reference
// on the identity's lock entry until Close.
type Handle struct {
	store *Store
	id    identity.Identity
	dir   string
	entry *lockEntry

	mu      sync.Mutex
	profile Profile
	closed  bool
}

// Open ensures the identity's directory and summary exist, counts a new
// session and returns a handle. Calling Open for the same identity from
// several goroutines is safe; each call counts exactly one session.
func (s *Store) Open(id identity.Identity) (*Handle, error) {
	dir := filepath.Join(s.root, id.Dir)
	entry := s.locks.acquire(id.Dir)

	profile, err := func() (Profile, error) {
		entry.mu.Lock()
		defer entry.mu.Unlock()

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Profile{}, &IOError{Op: "mkdir", Path: dir, Err: err}
		}

		path := filepath.Join(dir, summaryFile)
		profile, found, err := readProfile(path)
		if err != nil {
			return Profile{}, err
		}

		now := s.now()
		if !found {
			profile = Profile{FirstSeen: now}
			s.log.Info("Open: new identity %s", id)
		} else if profile.FirstSeen.IsZero() {
			profile.FirstSeen = now
		}
		profile.LastSeen = now
		profile.SessionCount++

		if err := writeProfile(path, profile); err != nil {
			return Profile{}, err
		}
		return profile, nil
	}()
	if err != nil {
		s.locks.release(id.Dir, entry)
		return nil, err
	}

	if refs := s.locks.refs(id.Dir); refs > 1 {
		s.log.Info("Open: %s now has %d concurrent sessions; histories are independent", id.Dir, refs)
	}
	s.log.Debug("Open: %s session #%d", id.Dir, profile.SessionCount)

	return &Handle{
		store:   s,
		id:      id,
		dir:     dir,
		entry:   entry,
		profile: profile,
	}, nil
}

// Identity returns the identity the handle was opened for.
func (h *Handle) Identity() identity.Identity {
	return h.id
}

// Dir returns the identity's directory.
func (h *Handle) Dir() string {
	return h.dir
}

// Profile returns the profile as of Open or the last Rename through this handle.
func (h *Handle) Profile() Profile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.profile
}

// Rename sets the display name and persists it. The session count and
// timestamps are re-read from disk first so concurrent sessions do not
// overwrite each other's updates.
func (h *Handle) Rename(name string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}

	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()

	path := filepath.Join(h.dir, summaryFile)
	profile, found, err := readProfile(path)
	if err != nil {
		return err
	}
	if !found {
		profile = h.Profile()
	}
	profile.DisplayName = name

	if err := writeProfile(path, profile); err != nil {
		return err
	}

	h.mu.Lock()
	h.profile.DisplayName = name
	h.mu.Unlock()
	h.store.log.Debug("Rename: %s is now %q", h.id.Dir, name)
	return nil
}

// Close releases the handle's lock reference. It is safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.store.locks.release(h.id.Dir, h.entry)
}

func (h *Handle) checkOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	return nil
}
