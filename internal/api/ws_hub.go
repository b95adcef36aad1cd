package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/stakewise/v3-core-sub000/internal/metrics"
	"github.com/stakewise/v3-core-sub000/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type  string      `json:"type"`
	Event model.Event `json:"event"`
}

// WSHub fans committed events out to WebSocket clients. Each client may
// narrow its stream with ?kind= and ?owner= query parameters.
type WSHub struct {
	clients    map[*websocket.Conn]model.EventFilter
	broadcast  chan model.Event
	register   chan subscription
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

type subscription struct {
	conn   *websocket.Conn
	filter model.EventFilter
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]model.EventFilter),
		broadcast:  make(chan model.Event, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called in
// a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.filter
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case ev := <-h.broadcast:
			data, err := json.Marshal(WSMessage{Type: "event", Event: ev})
			if err != nil {
				slog.Error("ws encode failed", "seq", ev.Seq, "err", err)
				continue
			}
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn, f := range h.clients {
				if !f.Match(ev) {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a committed event for delivery. It never blocks the
// engine: events are dropped when the buffer is full.
func (h *WSHub) Broadcast(e model.Event) {
	select {
	case h.broadcast <- e:
	default:
		slog.Warn("ws broadcast buffer full, event dropped", "seq", e.Seq)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	f := model.EventFilter{Kind: model.EventKind(r.URL.Query().Get("kind"))}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		if !common.IsHexAddress(owner) {
			writeError(w, "invalid owner address", http.StatusBadRequest)
			return
		}
		f.Owner = common.HexToAddress(owner).Hex()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- subscription{conn: conn, filter: f}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
