package status

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub fans a Snapshot out to every connected dashboard the moment a cycle
// completes, so clients don't have to poll /status. Each accepted
// connection is registered under its own new id; connections never
// replace one another.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[int64]*conn
	nextID int64
}

type conn struct {
	ws   *websocket.Conn
	done chan struct{}
}

// NewHub builds an empty Hub, ready to accept connections.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[int64]*conn),
	}
}

// HandleConnection upgrades the request to a WebSocket and registers the
// connection to receive every future Broadcast call. It blocks until the
// client disconnects or the Hub shuts down. cmd/ wires this as the
// handler for the status push route.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status: websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	c := &conn{ws: ws, done: make(chan struct{})}
	h.conns[id] = c
	h.mu.Unlock()

	go h.pingLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	if h.conns[id] == c {
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

// readLoop discards client frames; this hub is push-only but must still
// drain reads so pong control frames and close frames are processed.
func (h *Hub) readLoop(c *conn) {
	defer c.ws.Close()

	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) pingLoop(c *conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// Broadcast pushes snap to every connected dashboard. A write failure on
// one connection only drops that connection; it doesn't interrupt
// delivery to the rest.
func (h *Hub) Broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("status: marshal snapshot: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.ws.Close()
		}
	}
}

// ActiveConnections reports how many dashboards are currently connected.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll terminates every active connection, used during graceful
// shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(5*time.Second))
		c.ws.Close()
		delete(h.conns, id)
	}
}
