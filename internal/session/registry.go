package session

import (
	"sort"
	"sync"

	"github.com/codefionn/sessionrelay/internal/metrics"
	"github.com/codefionn/sessionrelay/internal/transport"
)

// Registry maps session ids to their live Session. It is the single source of truth for
// whether a session is usable.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Get returns the session registered under id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Put registers s, replacing and returning any previous session under the same id
func (r *Registry) Put(s *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[s.ID]
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.SetRegistered(n)
	return prev
}

// Remove deletes id only while instance is the registered session, so a late cleanup of an
// old instance never evicts its replacement.
func (r *Registry) Remove(id string, instance *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok || cur != instance {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.SetRegistered(n)
	return true
}

// IsCurrent reports whether s is the session registered under its id
func (r *Registry) IsCurrent(s *Session) bool {
	cur, ok := r.Get(s.ID)
	return ok && cur == s
}

// Resolve returns the transport handle of id when the session is connected
func (r *Registry) Resolve(id string) (transport.Handle, bool) {
	s, ok := r.Get(id)
	if !ok || s.Status() != StatusConnected {
		return nil, false
	}
	return s.Handle(), true
}

// List returns the registered sessions ordered by id
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// drain empties the registry and returns what it held
func (r *Registry) drain() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	metrics.SetRegistered(0)
	return out
}
