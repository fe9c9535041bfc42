// Package registry keeps track of the key exchange sessions a service is running.
package registry

import (
	"sort"
	"sync"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/segmentio/ksuid"
)

// closer is implemented by all session types.
type closer interface {
	Close()
}

// Registry maps session ids to sessions. It is safe for concurrent use.
type Registry[S closer] struct {
	mu       sync.RWMutex
	sessions map[ksuid.KSUID]S
}

// New returns an empty registry.
func New[S closer]() *Registry[S] {
	return &Registry[S]{sessions: make(map[ksuid.KSUID]S)}
}

// Add registers s under id.
func (r *Registry[S]) Add(id ksuid.KSUID, s S) error {
	if id.IsNil() {
		return status.Errorf(status.ErrInvalidParameter, "nil session id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return status.Errorf(status.ErrInvalidParameter, "session %s already exists", id)
	}
	r.sessions[id] = s
	return nil
}

// Get returns the session registered under id.
func (r *Registry[S]) Get(id ksuid.KSUID) (S, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		var zero S
		return zero, status.Errorf(status.ErrInvalidParameter, "unknown session %s", id)
	}
	return s, nil
}

// Close closes and removes the session registered under id.
func (r *Registry[S]) Close(id ksuid.KSUID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return status.Errorf(status.ErrInvalidParameter, "unknown session %s", id)
	}
	s.Close()
	return nil
}

// CloseAll closes every session and empties the registry.
func (r *Registry[S]) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[ksuid.KSUID]S)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Len returns the number of registered sessions.
func (r *Registry[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the registered session ids, oldest first.
func (r *Registry[S]) IDs() []ksuid.KSUID {
	r.mu.RLock()
	ids := make([]ksuid.KSUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ksuid.Compare(ids[i], ids[j]) < 0 })
	return ids
}
