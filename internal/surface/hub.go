package surface

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsReadLimitBytes int64 = 64 << 10

type clientState struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	visible atomic.Bool
}

// Event is the envelope written to websocket clients.
type Event struct {
	ID      uint64         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type clientMessage struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

// Hub tracks connected UI clients and whether any of them is on screen.
type Hub struct {
	mu      sync.RWMutex
	clients map[*clientState]struct{}
	seq     atomic.Uint64
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: map[*clientState]struct{}{}, logger: logger.With("module", "ws_hub")}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimitBytes)
	c := &clientState{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", "clients", h.count())

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message", "err", err)
			continue
		}
		if msg.Type == "visibility" {
			c.visible.Store(msg.Visible)
			h.Publish("client.visibility", map[string]any{"visible": h.HasVisibleClient()})
		}
	}
}

// HasVisibleClient reports whether a connected client said it is visible.
func (h *Hub) HasVisibleClient() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.visible.Load() {
			return true
		}
	}
	return false
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Publish(eventType string, payload map[string]any) {
	evt := Event{ID: h.seq.Add(1), Type: eventType, Payload: payload}
	h.mu.RLock()
	clients := make([]*clientState, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		c.writeMu.Lock()
		err := wsjson.Write(ctx, c.conn, evt)
		c.writeMu.Unlock()
		cancel()
		if err != nil {
			h.logger.Debug("publish to client failed", "type", eventType, "err", err)
		}
	}
}
