package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/metrics"
)

type client struct {
	conn   *websocket.Conn
	userID string
}

type delivery struct {
	userID string // empty means every client
	data   []byte
}

// WSHub manages WebSocket connections and pushes each user's notifications
// to that user's connections.
type WSHub struct {
	clients    map[*websocket.Conn]*client
	deliver    chan delivery
	register   chan *client
	unregister chan *websocket.Conn
	stopped    chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

var _ Sink = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]*client),
		deliver:    make(chan delivery, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop until done is closed. Must be called
// in a goroutine.
func (h *WSHub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			close(h.stopped)
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
			h.clients[c.conn] = c
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "user_id", c.userID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.deliver:
			h.mu.Lock()
			for conn, c := range h.clients {
				if msg.userID != "" && c.userID != msg.userID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Notify queues ev for the connections of ev.UserID.
func (h *WSHub) Notify(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.deliver <- delivery{userID: ev.UserID, data: data}:
	default:
		// Drop if buffer full to avoid blocking settlement.
		metrics.NotificationsDropped.Inc()
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /ws?user_id=... Authentication happens upstream.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &client{conn: conn, userID: userID}:
	case <-h.stopped:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.stopped:
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
			h.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			h.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}
