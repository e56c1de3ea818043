// Package transport carries interview sessions over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// conn wraps a WebSocket connection with write serialization, since
// timer callbacks and the read loop both push events.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(ev serverEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(context.Background(), websocket.MessageText, data)
}

// ConnManager tracks the live connection per session token. A session has
// at most one connection; registering a second one closes the first.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]*conn
}

// NewConnManager creates an empty connection registry.
func NewConnManager() *ConnManager {
	return &ConnManager{active: make(map[string]*conn)}
}

func (m *ConnManager) register(token string, c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[token]; ok && existing != c {
		_ = existing.ws.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[token] = c
	slog.Info("interview connection registered", "token", token)
}

func (m *ConnManager) unregister(token string, c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.active[token]; ok && current == c {
		delete(m.active, token)
		slog.Info("interview connection unregistered", "token", token)
	}
}

// get returns the live connection for a token, or nil.
func (m *ConnManager) get(token string) *conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[token]
}

// CloseSession forcefully closes any connection for a token.
func (m *ConnManager) CloseSession(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.active[token]; ok {
		_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
		delete(m.active, token)
		slog.Info("interview connection closed", "token", token)
	}
}
