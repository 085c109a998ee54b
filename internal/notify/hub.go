// Package notify pushes task activity to connected WebSocket clients.
// Delivery is fire and forget: a slow or broken connection is dropped,
// never allowed to stall the publishers.
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskpilot/taskpilot/internal/events"
)

const writeWait = 10 * time.Second

// Frame is the JSON payload pushed to clients.
type Frame struct {
	OwnerID   string         `json:"owner_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Hub routes bus events to WebSocket connections, keyed by owner.
// Events are delivered only to connections belonging to the event's
// owner.
type Hub struct {
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewHub creates a hub reading from the given bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:    bus,
		logger: logger,
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
}

// Run subscribes to the bus and forwards events until Close is called.
// Call it in its own goroutine.
func (h *Hub) Run() {
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)

	for {
		select {
		case <-h.done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			// Agent progress events stay internal; clients only see
			// task state changes.
			switch evt.Kind {
			case events.KindTaskCreated, events.KindTaskUpdated,
				events.KindTaskCompleted, events.KindTaskDeleted:
				h.broadcast(evt)
			}
		}
	}
}

// Close stops event forwarding and closes every connection.
func (h *Hub) Close() {
	close(h.done)

	h.mu.Lock()
	for _, conns := range h.conns {
		for conn := range conns {
			conn.Close()
		}
	}
	h.conns = make(map[string]map[*websocket.Conn]struct{})
	h.mu.Unlock()

	h.wg.Wait()
}

// ServeWS upgrades the request and registers the connection for the
// owner. It blocks until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "owner", ownerID, "error", err)
		return
	}

	h.register(ownerID, conn)
	h.logger.Info("websocket connected", "owner", ownerID)

	h.wg.Add(1)
	defer h.wg.Done()

	// Drain the read side so close frames and pings are processed; the
	// protocol is push only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.unregister(ownerID, conn)
	conn.Close()
	h.logger.Info("websocket disconnected", "owner", ownerID)
}

// ConnCount returns the number of open connections for an owner.
func (h *Hub) ConnCount(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[ownerID])
}

func (h *Hub) register(ownerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[ownerID] == nil {
		h.conns[ownerID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[ownerID][conn] = struct{}{}
}

func (h *Hub) unregister(ownerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[ownerID], conn)
	if len(h.conns[ownerID]) == 0 {
		delete(h.conns, ownerID)
	}
}

func (h *Hub) broadcast(evt events.Event) {
	frame := Frame{
		OwnerID:   evt.OwnerID,
		EventType: evt.Kind,
		Data:      evt.Data,
		Timestamp: evt.Timestamp,
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns[evt.OwnerID]))
	for conn := range h.conns[evt.OwnerID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Debug("websocket write failed, dropping connection",
				"owner", evt.OwnerID, "error", err)
			h.unregister(evt.OwnerID, conn)
			conn.Close()
		}
	}
}
