package session

import (
	"sync"
	"time"
)

// Registry owns all live sessions, keyed by user id. Sessions are created
// lazily on first interaction and dropped by the janitor after inactivity.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[int64]*Session{}}
}

func (r *Registry) GetOrCreate(userID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		s = newSession(userID)
		r.sessions[userID] = s
	}
	return s
}

// Get returns the session if one exists.
func (r *Registry) Get(userID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep resets and removes sessions idle for longer than maxIdle, returning
// the removed user ids so the caller can cancel their aggregation groups.
// Dispatching sessions are skipped: an in-flight delivery finishes on its own.
func (r *Registry) Sweep(maxIdle time.Duration) []int64 {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.LastSeen().Before(cutoff) && s.State() != StateDispatching {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	removed := make([]int64, 0, len(stale))
	for _, s := range stale {
		s.Reset()
		removed = append(removed, s.UserID())
	}
	return removed
}

// Close resets every session (cancelling cleanup timers) and empties the map.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Reset()
	}
}
