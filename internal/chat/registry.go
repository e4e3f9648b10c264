package chat

import (
	"slices"
	"sync"
)

// Registry maps each identity to at most one session. A session stays registered from creation
// until it is torn down or removed, including while a retry is pending and after it failed.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Acquire returns the registered session for identity, or registers the one built by create when
// there is none or the registered one was torn down. Concurrent callers get the same session.
func (r *Registry) Acquire(identity string, create func() *Session) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[identity]; ok && !cur.isClosed() {
		return cur, false
	}
	s = create()
	r.sessions[identity] = s
	return s, true
}

// Get returns the registered session for identity, or nil.
func (r *Registry) Get(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[identity]
}

// Live returns the session for identity only when it is open.
func (r *Registry) Live(identity string) *Session {
	s := r.Get(identity)
	if s == nil || s.State() != StateOpen {
		return nil
	}
	return s
}

// Release removes identity's entry only if it still points at s, so a superseded session never
// unregisters its replacement.
func (r *Registry) Release(identity string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[identity] != s {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// Remove unregisters and returns the session for identity, if any.
func (r *Registry) Remove(identity string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[identity]
	delete(r.sessions, identity)
	return s
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Identities returns the registered identities, sorted.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}
