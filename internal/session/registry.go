package session

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks open control connections so they can be closed on shutdown.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// Register adds a connection under connID.
func (r *Registry) Register(connID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[connID] = conn
	slog.Debug("Connection registered", "conn_id", connID)
}

// Unregister removes connID if it still maps to conn.
func (r *Registry) Unregister(connID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[connID]; ok && current == conn {
		delete(r.active, connID)
		slog.Debug("Connection unregistered", "conn_id", connID)
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CloseAll closes every registered connection with a going-away status.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(r.active))
	for id, c := range r.active {
		conns[id] = c
	}
	r.mu.Unlock()

	for id, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, reason)
		slog.Info("Connection closed", "conn_id", id, "reason", reason)
	}
}
