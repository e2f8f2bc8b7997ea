// ABOUTME: Realtime channel: one authenticated WebSocket with automatic reconnection
// ABOUTME: Dispatches {type, ...} frames to handlers; drops malformed frames

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection lifecycle: closed -> connecting -> open -> closed.
type State string

const (
	StateClosed     State = "closed"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
)

const (
	handshakeTimeout = 10 * time.Second
	readWait         = 90 * time.Second
	writeWait        = 10 * time.Second
)

// ErrNotOpen is returned by Send when no connection is open.
var ErrNotOpen = errors.New("realtime channel not open")

// Event is one decoded frame.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the whole frame into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Handler receives events of the type it was registered for.
type Handler func(Event)

// Config configures a Channel.
type Config struct {
	// BaseURL is the coordinator's http(s) URL; the socket lives at /ws.
	BaseURL string
	// Token is consulted on every connect attempt. An empty token means no
	// connection is made.
	Token func() string

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	StableAfter    time.Duration

	// OnStatus observes every state change.
	OnStatus func(State)
	// OnUnauthorized runs when the handshake is refused with 401/403. No
	// reconnect is scheduled afterwards.
	OnUnauthorized func()

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Channel keeps at most one physical connection open.
type Channel struct {
	cfg     Config
	backoff *Backoff
	logger  *slog.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	gen            uint64
	shutdown       bool
	cancelDial     context.CancelFunc
	reconnectTimer *time.Timer
	stableTimer    *time.Timer
	handlers       map[string][]Handler

	writeMu sync.Mutex
}

// New creates a closed channel. Call Connect to open it.
func New(cfg Config) *Channel {
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultStableAfter
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:      cfg,
		backoff:  NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
		logger:   logger.With("component", "realtime"),
		state:    StateClosed,
		handlers: make(map[string][]Handler),
	}
}

// On registers fn for events of typ.
func (c *Channel) On(typ string, fn Handler) {
	c.mu.Lock()
	c.handlers[typ] = append(c.handlers[typ], fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the socket unless one is already connecting or open. It also
// re-arms a channel that was shut down by Close.
func (c *Channel) Connect() {
	c.connect(true)
}

// connect is shared by Connect and the reconnect paths; only an explicit
// Connect may revive a shut-down channel.
func (c *Channel) connect(explicit bool) {
	c.mu.Lock()
	if c.state != StateClosed || (c.shutdown && !explicit) {
		c.mu.Unlock()
		return
	}
	c.shutdown = false

	token := ""
	if c.cfg.Token != nil {
		token = c.cfg.Token()
	}
	if token == "" {
		// A reconnect that finds no token stays armed.
		var delay time.Duration
		if !explicit {
			delay = c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		c.logger.Debug("no token, not connecting", "retry_in", delay)
		return
	}
	c.stopReconnectLocked()

	target, err := socketURL(c.cfg.BaseURL, token)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("invalid coordinator url", "error", err)
		return
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	c.notify(StateConnecting)
	go c.dial(ctx, gen, target)
}

// Foreground reconnects immediately, skipping any pending backoff delay, when
// the socket is neither open nor opening.
func (c *Channel) Foreground() {
	c.mu.Lock()
	if c.shutdown || c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.stopReconnectLocked()
	c.mu.Unlock()

	c.logger.Debug("foregrounded, reconnecting now")
	c.connect(false)
}

// Close tears the connection down for good. The generation is bumped before the
// socket is closed so the read loop's exit does not schedule a reconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	c.shutdown = true
	c.gen++
	c.stopReconnectLocked()
	c.stopStableLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	wasClosed := c.state == StateClosed
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	if !wasClosed {
		c.notify(StateClosed)
	}
}

// Send writes v as a JSON frame.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context, gen uint64, target string) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		refused := resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.state = StateClosed
		c.cancelDial = nil
		if refused {
			c.shutdown = true
		} else {
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()

		c.notify(StateClosed)
		if refused {
			c.logger.Warn("realtime token rejected", "status", resp.StatusCode)
			if c.cfg.OnUnauthorized != nil {
				c.cfg.OnUnauthorized()
			}
			return
		}
		c.logger.Debug("realtime dial failed", "error", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.cancelDial = nil
	c.stopStableLocked()
	c.stableTimer = time.AfterFunc(c.cfg.StableAfter, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen == c.gen && c.state == StateOpen {
			c.backoff.Reset()
		}
	})
	c.mu.Unlock()

	c.logger.Info("realtime connected")
	c.notify(StateOpen)
	go c.readLoop(gen, conn)
}

func (c *Channel) readLoop(gen uint64, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
			c.logger.Debug("dropping malformed frame", "bytes", len(data))
			continue
		}
		c.dispatch(Event{Type: frame.Type, Raw: json.RawMessage(data)})
	}
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[ev.Type]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug("no handler for event", "type", ev.Type)
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}

func (c *Channel) handleDisconnect(gen uint64, conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if gen != c.gen {
		// Intentional close or a newer connection; nothing to do.
		c.mu.Unlock()
		return
	}
	c.stopStableLocked()
	c.conn = nil
	c.state = StateClosed
	delay := c.scheduleReconnectLocked()
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("realtime connection lost", "error", err, "retry_in", delay)
	} else {
		c.logger.Info("realtime connection closed", "retry_in", delay)
	}
	c.notify(StateClosed)
}

// scheduleReconnectLocked arms the reconnect timer. c.mu must be held.
func (c *Channel) scheduleReconnectLocked() time.Duration {
	if c.shutdown {
		return 0
	}
	c.stopReconnectLocked()
	delay := c.backoff.Next()
	c.reconnectTimer = time.AfterFunc(delay, func() { c.connect(false) })
	return delay
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Channel) stopStableLocked() {
	if c.stableTimer != nil {
		c.stableTimer.Stop()
		c.stableTimer = nil
	}
}

func (c *Channel) notify(s State) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

// socketURL turns the coordinator base URL into the authenticated /ws URL.
func socketURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}
