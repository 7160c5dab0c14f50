// Package ws pushes status snapshots over WebSocket. Each connection holds
// its own store subscription, so a stalled viewer only ever delays itself.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"soloride/internal/domain"
	"soloride/internal/status"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second

	// Viewers never send payloads; anything larger is a protocol error.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the single message shape pushed to viewers.
type frame struct {
	Type string          `json:"type"`
	Data domain.Snapshot `json:"data"`
}

type client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	feed   <-chan domain.Snapshot
	cancel func()
}

// Hub tracks live viewer connections over the status store.
type Hub struct {
	store   *status.Store
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(store *status.Store) *Hub {
	return &Hub{
		store:   store,
		clients: make(map[string]*client),
	}
}

// ClientCount reports the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every viewer. Used on server shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
	}
}

// ServeHTTP upgrades the request and streams snapshots until the viewer
// disconnects. The first frame is always the current snapshot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	feed, cancel := h.store.Subscribe()
	c := &client{
		id:     fmt.Sprintf("ws_%d", time.Now().UnixNano()),
		conn:   conn,
		hub:    h,
		feed:   feed,
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		c.cancel()
	}
	_ = c.conn.Close()
}

// readPump drains the connection so close and pong frames are processed.
func (c *client) readPump() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read %s: %v", c.id, err)
			}
			return
		}
	}
}

// writePump pushes snapshot frames and keepalive pings. A write failure or
// a cancelled subscription ends the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.hub.drop(c)
	}()

	for {
		select {
		case snap, ok := <-c.feed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(frame{Type: "snapshot", Data: snap})
			if err != nil {
				log.Printf("ws: encode snapshot: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
