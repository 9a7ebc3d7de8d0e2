package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pluginhost/internal/manager"
)

const (
	// DefaultClientBuffer is the per-client notification backlog. Older
	// clients that fall further behind lose new notifications.
	DefaultClientBuffer = 256

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod + 10*time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans manager notifications out to websocket clients. Each client has
// a bounded ring buffer drained by its own writer goroutine, so a slow
// client never blocks the manager.
type Hub struct {
	logger *zap.Logger
	size   uint64

	mu          sync.Mutex
	clients     map[string]*client
	dropped     uint64
	unsubscribe func()
}

type client struct {
	id     string
	conn   *websocket.Conn
	buffer *queue.RingBuffer
	once   sync.Once
}

// NewHub creates a hub whose clients buffer up to size notifications.
func NewHub(logger *zap.Logger, size uint64) *Hub {
	if size == 0 {
		size = DefaultClientBuffer
	}
	return &Hub{
		logger:  logger,
		size:    size,
		clients: make(map[string]*client),
	}
}

// Attach subscribes the hub to mgr's notifications.
func (h *Hub) Attach(mgr *manager.Manager) {
	unsubscribe := mgr.Subscribe(h.Broadcast)
	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()
}

// Broadcast queues n for every connected client.
func (h *Hub) Broadcast(n manager.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		ok, err := c.buffer.Offer(n)
		if err != nil {
			continue
		}
		if !ok {
			h.dropped++
			h.logger.Debug("Client buffer full; notification dropped",
				zap.String("client", c.id),
				zap.String("type", string(n.Type)))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many notifications were dropped for slow clients.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close detaches from the manager and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, c := range clients {
		h.remove(c)
	}
}

// ServeHTTP upgrades the request and streams notifications as JSON. The
// first message is a "connected" notification carrying the client id.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		buffer: queue.NewRingBuffer(h.size),
	}
	_, _ = c.buffer.Offer(manager.Notification{
		Type:    "connected",
		Message: c.id,
		Time:    time.Now(),
	})

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("Event client connected", zap.String("client", c.id), zap.String("remote_addr", r.RemoteAddr))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		c.buffer.Dispose()
		c.conn.Close()
		h.logger.Debug("Event client disconnected", zap.String("client", c.id))
	})
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer h.remove(c)
	for {
		item, err := c.buffer.Poll(pingPeriod)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case err != nil:
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(item); err != nil {
			h.logger.Debug("Event write failed", zap.String("client", c.id), zap.Error(err))
			return
		}
	}
}
