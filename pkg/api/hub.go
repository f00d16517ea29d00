package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itohio/goctm/pkg/reading"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is the number of pending updates kept per client; newer updates are
	// dropped while a client is this far behind.
	sendBuffer = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Meter sits on its own access point
	},
}

// client owns one websocket connection. Only its write pump writes to conn.
type client struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues data without blocking; it reports false when the buffer is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Hub tracks websocket clients and fans out reading updates.
type Hub struct {
	logger    *slog.Logger
	clients   map[*client]bool
	clientsMu sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

func (h *Hub) add(c *client) {
	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.clientsMu.Unlock()
	if ok {
		c.close()
	}
}

// writePump delivers queued updates to c until it is closed or a write fails.
func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			//nolint:errcheck // Deadline failure surfaces on the write
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("dropping websocket client", "error", err)
				h.remove(c)
				return
			}
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast queues records for every client without waiting on the network.
// A client whose queue is full misses this update.
func (h *Hub) Broadcast(records []reading.Record) {
	h.clientsMu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(records)
	if err != nil {
		h.logger.Error("failed to marshal readings", "error", err)
		return
	}

	for _, c := range clients {
		if !c.enqueue(data) {
			h.logger.Debug("websocket client behind, update dropped")
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.clientsMu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.clientsMu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.hub.add(c)
	go s.hub.writePump(c)

	// Send current readings immediately.
	if data, err := json.Marshal(s.live.Snapshot()); err == nil {
		c.enqueue(data)
	}

	// Keep connection alive until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.remove(c)
			return
		}
	}
}
