// Package registry maps each online user to their single live connection.
package registry

import (
	"sync"

	"chatcore/internal/models"
)

// Conn is a live client session.
type Conn interface {
	ID() string
	UserID() string
	// Send queues an event without blocking. It reports false when the
	// event was dropped because the connection is closing or saturated.
	Send(ev models.ServerEvent) bool
	Close()
	Closed() bool
}

// Observer receives presence transitions. Calls happen outside the registry
// lock, in the goroutine that performed the registration.
type Observer interface {
	// Connected is called for every registered connection. cameOnline is false
	// when the connection replaced a previous one of the same user.
	Connected(c Conn, cameOnline bool)
	Disconnected(userID string)
}

type Registry struct {
	mu       sync.Mutex
	conns    map[string]Conn
	observer Observer
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]Conn),
	}
}

// Observe sets the transition observer. It must be called before the first Register.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register makes c the live connection for userID. Any previous connection of
// that user is closed, last writer wins.
func (r *Registry) Register(userID string, c Conn) {
	if userID == "" || c == nil {
		return
	}

	r.mu.Lock()
	prev, existed := r.conns[userID]
	r.conns[userID] = c
	observer := r.observer
	r.mu.Unlock()

	if existed && prev != c {
		prev.Close()
	}
	if observer != nil {
		observer.Connected(c, !existed)
	}
}

// Unregister removes c if it is still the live connection of its user.
// A displaced connection unregistering is a no-op.
func (r *Registry) Unregister(c Conn) {
	if c == nil {
		return
	}
	userID := c.UserID()

	r.mu.Lock()
	cur, ok := r.conns[userID]
	if !ok || cur != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, userID)
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer.Disconnected(userID)
	}
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	return c, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// OnlineUserIDs returns a snapshot of all users with a live connection.
func (r *Registry) OnlineUserIDs() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]struct{}, len(r.conns))
	for id := range r.conns {
		ids[id] = struct{}{}
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
