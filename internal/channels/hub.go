package channels

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is one registered websocket connection. Writes are serialized,
// gorilla connections allow a single concurrent writer.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// WriteJSON sends one JSON frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Hub tracks live websocket connections by key: a business id for the
// operator console, an agent id for the chat widget. One key may hold
// several tabs.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*Conn]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{conns: make(map[string]map[*Conn]struct{}), logger: logger}
}

// Add registers a websocket under key and returns its handle.
func (h *Hub) Add(key string, ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws}
	h.mu.Lock()
	set := h.conns[key]
	if set == nil {
		set = make(map[*Conn]struct{})
		h.conns[key] = set
	}
	set[c] = struct{}{}
	total := len(set)
	h.mu.Unlock()
	h.logger.Debug("ws connected", zap.String("key", key), zap.Int("connections", total))
	return c
}

// Remove unregisters a connection and closes it.
func (h *Hub) Remove(key string, c *Conn) {
	h.mu.Lock()
	if set, ok := h.conns[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, key)
		}
	}
	h.mu.Unlock()
	_ = c.Close()
}

// Count returns how many connections key holds.
func (h *Hub) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[key])
}

// Send fans payload out to every connection of key. A dead connection
// is dropped from the hub; the last delivery error is returned so the
// caller can decide whether anyone heard.
func (h *Hub) Send(key string, payload any) error {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns[key]))
	for c := range h.conns[key] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var lastErr error
	for _, c := range targets {
		if err := c.WriteJSON(payload); err != nil {
			lastErr = err
			h.logger.Warn("ws send failed, dropping connection",
				zap.String("key", key), zap.Error(err))
			h.Remove(key, c)
		}
	}
	return lastErr
}
