// ABOUTME: Websocket endpoint that streams broadcaster frames to connected clients
// ABOUTME: Runs a write pump with keepalive pings and a read pump that detects disconnects

package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-approve/internal/devicelogin"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Subscription describes what a connection listens to.
type Subscription struct {
	Identifier string
	Subjects   []string
	// Presence announces the connection to administrators.
	Presence bool
}

// Hub upgrades HTTP requests to websockets and relays frames to them.
type Hub struct {
	*Broadcaster

	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	online map[string]int
}

// New creates a hub. checkOrigin may be nil to accept any origin.
func New(checkOrigin func(*http.Request) bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		Broadcaster: NewBroadcaster(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		pingPeriod: pingPeriod,
		logger:     logger.With("component", "hub"),
		online:     make(map[string]int),
	}
}

// Online reports whether identifier has at least one presence connection.
func (h *Hub) Online(identifier string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[identifier] > 0
}

// Serve upgrades the request and blocks until the connection ends.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub Subscription) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames, subID := h.Subscribe(ctx, sub.Subjects...)
	h.logger.Info("websocket connected", "identifier", sub.Identifier, "sub_id", subID)

	if sub.Presence {
		h.presence(sub.Identifier, 1)
		defer h.presence(sub.Identifier, -1)
	}

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, frames)

	h.logger.Info("websocket disconnected", "identifier", sub.Identifier, "sub_id", subID)
}

// presence tracks connection counts and announces 0->1 and 1->0 transitions.
func (h *Hub) presence(identifier string, delta int) {
	h.mu.Lock()
	before := h.online[identifier]
	after := before + delta
	if after <= 0 {
		delete(h.online, identifier)
	} else {
		h.online[identifier] = after
	}
	h.mu.Unlock()

	if (before == 0) == (after <= 0) {
		return
	}
	_ = h.Publish(AdminSubject, devicelogin.PresenceFrame{
		Frame:      devicelogin.Frame{Type: devicelogin.EventPresence},
		Identifier: identifier,
		Online:     after > 0,
	})
}

// readPump discards client messages and cancels the connection on error.
func (h *Hub) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, frames <-chan []byte) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
