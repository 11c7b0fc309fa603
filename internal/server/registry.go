package server

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/sshllm/internal/session"
)

// SessionInfo describes one live connection.
type SessionInfo struct {
	ID       string    `json:"id"`
	Identity string    `json:"identity,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	Peer     string    `json:"peer"`
	State    string    `json:"state"`
	Started  time.Time `json:"started"`
}

type registryEntry struct {
	id      string
	peer    string
	started time.Time
	conn    net.Conn
	sup     *session.Supervisor
}

func (e *registryEntry) info() SessionInfo {
	info := SessionInfo{
		ID:      e.id,
		Peer:    e.peer,
		State:   e.sup.State().String(),
		Started: e.started,
	}
	if id := e.sup.Identity(); id.Dir != "" {
		info.Identity = id.Dir
		info.Kind = id.Kind.String()
	}
	return info
}

// Registry tracks live connections and enforces the connection limit.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	max     int
}

// NewRegistry creates a registry admitting at most max connections. A max
// of zero or less means unlimited.
func NewRegistry(max int) *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		max:     max,
	}
}

// tryAdd registers a connection. It reports false when the limit is reached.
func (r *Registry) tryAdd(id string, conn net.Conn, sup *session.Supervisor, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.entries) >= r.max {
		return false
	}
	r.entries[id] = &registryEntry{
		id:      id,
		peer:    conn.RemoteAddr().String(),
		started: now,
		conn:    conn,
		sup:     sup,
	}
	return true
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns all live connections, oldest first.
func (r *Registry) List() []SessionInfo {
	return r.collect(func(*registryEntry) bool { return true })
}

// ByIdentity returns the live connections of one identity directory.
func (r *Registry) ByIdentity(dir string) []SessionInfo {
	return r.collect(func(e *registryEntry) bool {
		return e.sup.Identity().Dir == dir
	})
}

func (r *Registry) collect(keep func(*registryEntry) bool) []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			infos = append(infos, e.info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Started.Equal(infos[j].Started) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos
}

// closeAll closes every tracked connection and returns how many there were.
func (r *Registry) closeAll() int {
	r.mu.RLock()
	conns := make([]net.Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
