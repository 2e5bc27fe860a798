package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/energypool/pool-engine/internal/metrics"
	"github.com/energypool/pool-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type     string          `json:"type"`
	PoolID   string          `json:"pool_id"`
	Transfer *model.Transfer `json:"transfer,omitempty"`
}

type wsEnvelope struct {
	poolID string
	data   []byte
}

// WSHub manages WebSocket connections and broadcasts executed transfers.
// A client that connects with ?pool_id= only receives that pool's
// transfers.
type WSHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan wsEnvelope
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type wsClient struct {
	conn   *websocket.Conn
	poolID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
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

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.poolID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "pool_id", c.poolID)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, poolID := range h.clients {
				if poolID != "" && poolID != msg.poolID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
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

// Publish queues an executed transfer for every interested client. A full
// buffer drops the message and reports it so the feed metrics count it.
func (h *WSHub) Publish(_ context.Context, t model.Transfer) error {
	data, err := json.Marshal(WSMessage{Type: "transfer_executed", PoolID: t.PoolID, Transfer: &t})
	if err != nil {
		return fmt.Errorf("ws: encode transfer %s: %w", t.ID, err)
	}
	select {
	case h.broadcast <- wsEnvelope{poolID: t.PoolID, data: data}:
		return nil
	default:
		return fmt.Errorf("ws: broadcast buffer full, transfer %s dropped", t.ID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, poolID: r.URL.Query().Get("pool_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
