package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/swarmd/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans telemetry events out to websocket clients. Each client only
// receives events of its own tenant.
type Hub struct {
	clients   map[*websocket.Conn]string
	broadcast chan telemetry.Event
	mu        sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan telemetry.Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}

			var dead []*websocket.Conn
			h.mu.RLock()
			for client, tenant := range h.clients {
				if tenant != event.TenantID {
					continue
				}
				if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range dead {
				h.Unregister(client)
				client.Close()
			}
		}
	}
}

func (h *Hub) Broadcast(event telemetry.Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "kind", event.Kind, "tenant", event.TenantID)
	}
}

func (h *Hub) Register(conn *websocket.Conn, tenant string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = tenant
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, tenantFrom(r.Context()))
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Drain client frames until the connection drops.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
