package notifyhub

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/moyoez/courseupload/notify"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

const writeTimeout = 3 * time.Second

type client struct {
	conn *websocket.Conn
	// session limits the stream to one upload; empty receives everything
	session string
	// gorilla connections allow one concurrent writer
	mu sync.Mutex
}

func (c *client) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, payload)
}

func (c *client) wants(ev types.Event) bool {
	return c.session == "" || c.session == ev.SessionID
}

// Hub holds websocket connections and broadcasts upload events to all of them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]*client
}

func New() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]*client)}
}

// Attach subscribes the hub to bus and returns the unsubscribe function.
func (h *Hub) Attach(bus *notify.Bus) func() {
	return bus.Subscribe(h.Broadcast)
}

// register adds conn. A non-empty sessionID limits it to that upload's events.
func (h *Hub) register(conn *websocket.Conn, sessionID string) *client {
	c := &client{conn: conn, session: sessionID}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = c
	return c
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends ev as JSON to every connection that wants it. Clients that cannot keep up
// are dropped.
func (h *Hub) Broadcast(ev types.Event) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		if c.wants(ev) {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	payload, err := sonic.Marshal(ev)
	if err != nil {
		tool.DefaultLogger.Errorf("[Notify] Failed to marshal event: %v", err)
		return
	}
	for _, c := range clients {
		if err := c.write(websocket.TextMessage, payload); err != nil {
			tool.DefaultLogger.Debugf("[Notify] Dropping websocket client: %v", err)
			h.Unregister(c.conn)
			_ = c.conn.Close()
		}
	}
}
