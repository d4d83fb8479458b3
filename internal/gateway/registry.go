package gateway

import (
	"sync"

	"nhooyr.io/websocket"
)

// Registry tracks the live sockets this instance holds. Purely local: other
// instances reach these players through instance-targeted subjects, never by
// sharing socket state.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*websocket.Conn)}
}

// Set installs the player's socket and returns any previous one so the
// caller can close it (a reconnect supersedes the old connection).
func (r *Registry) Set(playerID string, c *websocket.Conn) *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[playerID]
	r.conns[playerID] = c
	return prev
}

// Remove drops the mapping, but only while it still points at c; a newer
// socket for the same player is left alone.
func (r *Registry) Remove(playerID string, c *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[playerID] != c {
		return false
	}
	delete(r.conns, playerID)
	return true
}

// Get returns the player's socket or nil.
func (r *Registry) Get(playerID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[playerID]
}

// Count returns how many sockets this instance holds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
