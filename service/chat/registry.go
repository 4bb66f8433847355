package chat

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Registry is the process-wide table of live sessions. It is the only
// shared mutable structure on the server; every mutation goes through
// its lock. Multiple concurrent sessions per user are expected
// (multi-device), so Register never rejects duplicates.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]map[string]*Session // user id -> session id -> session
	bySession map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[string]map[string]*Session),
		bySession: make(map[string]*Session),
	}
}

func (r *Registry) Register(userID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[userID]
	if m == nil {
		m = make(map[string]*Session)
		r.byUser[userID] = m
	}
	m[s.ID] = s
	r.bySession[s.ID] = s
}

// Unregister is idempotent; removing an absent session is a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	if m := r.byUser[s.UserID]; m != nil {
		delete(m, sessionID)
		if len(m) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// SessionsFor returns a point-in-time snapshot of the user's sessions.
func (r *Registry) SessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byUser[userID]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySession[sessionID]
}

// BroadcastToUser enqueues a frame on every live session of the user
// and returns the number of sessions attempted. Zero means the user
// has no live session here; the caller decides about fallbacks.
// Sends happen outside the lock.
func (r *Registry) BroadcastToUser(userID string, frame []byte) int {
	sessions := r.SessionsFor(userID)
	for _, s := range sessions {
		_ = s.Send(frame)
	}
	return len(sessions)
}

// All snapshots every live session; the liveness sweep iterates this.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// Close evicts every session, used on shutdown.
func (r *Registry) Close() {
	for _, s := range r.All() {
		s.Close(websocket.CloseGoingAway, "server shutdown")
	}
}
