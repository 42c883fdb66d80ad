package livestream

import (
	"log/slog"
	"sort"
	"sync"
)

// Factory builds a new Session for a call id on its first request.
type Factory func(id CallID, mode DeliveryMode) *Session

// Registry is the concurrency-safe map from call id to live Session. A session
// removes itself from its registry when it is destroyed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[CallID]*Session
	factory  Factory
	log      *slog.Logger
}

// NewRegistry returns an empty registry that builds sessions with factory.
func NewRegistry(factory Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[CallID]*Session),
		factory:  factory,
		log:      log.With("component", "registry"),
	}
}

// Get returns the session for id, if any.
func (r *Registry) Get(id CallID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating it with mode if none
// exists. created reports whether a new session was built.
func (r *Registry) GetOrCreate(id CallID, mode DeliveryMode) (s *Session, created bool) {
	if s, ok := r.Get(id); ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = r.factory(id, mode)
	s.onDestroy = func(s *Session) { r.Remove(s.ID(), s) }
	r.sessions[id] = s
	r.log.Info("session created", slog.String("call_id", string(id)), slog.String("mode", mode.String()))
	return s, true
}

// Remove deletes id from the registry if it still maps to s. A session
// created after s was destroyed is left in place.
func (r *Registry) Remove(id CallID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; !ok || cur != s {
		return false
	}
	delete(r.sessions, id)
	r.log.Debug("session removed", slog.String("call_id", string(id)))
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the registered sessions ordered by call id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// DestroyAll destroys every registered session.
func (r *Registry) DestroyAll(reason string) {
	for _, s := range r.List() {
		s.Destroy(reason)
	}
}
