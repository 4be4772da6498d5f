package call

import (
	"sync"

	"github.com/1ureka/p2pcall/internal/signaling"
)

// Registry maps each local identity to at most one live session. Several
// controllers (one per identity) may share a Registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Reserve binds s to identity unless identity already has a session.
func (r *Registry) Reserve(identity string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.sessions[identity]; taken {
		return false
	}
	r.sessions[identity] = s
	return true
}

func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Release frees identity's slot if it is still held by s.
func (r *Registry) Release(identity string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[identity]; ok && cur == s {
		delete(r.sessions, identity)
		return true
	}
	return false
}

// Route finds the session msg belongs to: the addressee's session with the
// sender as remote party and, when both carry one, the same call ID.
func (r *Registry) Route(msg signaling.Message) (*Session, bool) {
	s, ok := r.Lookup(msg.To)
	if !ok || s.Remote != msg.From {
		return nil, false
	}
	if msg.CallID != "" && s.ID != "" && msg.CallID != s.ID {
		return nil, false
	}
	return s, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
