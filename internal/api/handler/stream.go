package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/inthavong/doctrans-be/internal/report"
)

// StreamHub fans job status updates out to WebSocket subscribers. It is fed
// through Publish, which the store reporter invokes after every applied
// transition, so connected clients see the same timeline the store records.
type StreamHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once
}

// NewStreamHub creates a hub; call Start before routing traffic to it.
func NewStreamHub(logger *slog.Logger) *StreamHub {
	return &StreamHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is handled by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
}

// Start runs the fan-out loop until Stop is called.
func (h *StreamHub) Start() {
	go h.run()
}

// Stop disconnects every client and ends the loop.
func (h *StreamHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues one update for fan-out. It never blocks: when the hub is
// stopped or saturated the update is dropped, so a stalled subscriber can
// never hold up a store transition.
func (h *StreamHub) Publish(u report.Update) {
	msg, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("Failed to encode stream update", slog.Any("error", err))
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
	}
}

// Stream handles GET /api/v1/jobs/stream by upgrading to a WebSocket and
// holding the connection open until the client goes away.
func (h *StreamHub) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade stream connection", slog.Any("error", err))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Clients only listen; the read loop exists to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *StreamHub) run() {
	clients := make(map[*websocket.Conn]bool)
	defer func() {
		for conn := range clients {
			conn.Close()
		}
	}()

	for {
		select {
		case <-h.done:
			return

		case conn := <-h.register:
			clients[conn] = true
			h.logger.Debug("Stream client connected", slog.Int("clients", len(clients)))

		case conn := <-h.unregister:
			if clients[conn] {
				delete(clients, conn)
				conn.Close()
			}
			h.logger.Debug("Stream client disconnected", slog.Int("clients", len(clients)))

		case msg := <-h.broadcast:
			for conn := range clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.logger.Debug("Dropping unreachable stream client", slog.Any("error", err))
					conn.Close()
					delete(clients, conn)
				}
			}
		}
	}
}
