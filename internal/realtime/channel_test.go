// ABOUTME: Tests for the realtime channel and its backoff schedule
// ABOUTME: Runs a gorilla/websocket server under httptest to force closes and count dials

package realtime

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Next(), "attempt %d", i)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_TenClosesStayBounded(t *testing.T) {
	b := NewBackoff(0, 0)

	var last time.Duration
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, last)
		assert.LessOrEqual(t, d, 30*time.Second)
		last = d
	}
	assert.Equal(t, 30*time.Second, last)
}

func TestBackoff_CeilingBelowFloor(t *testing.T) {
	b := NewBackoff(5*time.Second, time.Second)
	assert.Equal(t, 5*time.Second, b.Next())
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestSocketURL(t *testing.T) {
	got, err := socketURL("http://localhost:8080/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?token=a+b", got)

	got, err = socketURL("https://coord.example.com/api", "t")
	require.NoError(t, err)
	assert.Equal(t, "wss://coord.example.com/api/ws?token=t", got)

	_, err = socketURL("ftp://x", "t")
	assert.Error(t, err)
}

// wsServer accepts connections and hands each one to the test.
type wsServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	mu     sync.Mutex
	dials  []time.Time
	tokens []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 16)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.dials = append(s.dials, time.Now())
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dials)
}

func (s *wsServer) dialAt(i int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials[i]
}

func (s *wsServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func staticToken(tok string) func() string {
	return func() string { return tok }
}

func TestChannel_ConnectAndDispatch(t *testing.T) {
	srv := newWSServer(t)

	var mu sync.Mutex
	var statuses []State
	ch := New(Config{
		BaseURL:  srv.URL,
		Token:    staticToken("tok"),
		OnStatus: func(s State) { mu.Lock(); statuses = append(statuses, s); mu.Unlock() },
	})
	defer ch.Close()

	got := make(chan Event, 1)
	ch.On("permissions_changed", func(ev Event) { got <- ev })

	ch.Connect()
	conn := srv.next(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"no_type":true}`)))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unhandled"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "permissions_changed", "role": "admin"}))

	select {
	case ev := <-got:
		assert.Equal(t, "permissions_changed", ev.Type)
		var body struct {
			Role string `json:"role"`
		}
		require.NoError(t, ev.Decode(&body))
		assert.Equal(t, "admin", body.Role)
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}

	assert.Equal(t, StateOpen, ch.State())
	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateOpen}, statuses)
	mu.Unlock()

	srv.mu.Lock()
	assert.Equal(t, "tok", srv.tokens[0])
	srv.mu.Unlock()
}

func TestChannel_NoTokenNoConnection(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{BaseURL: srv.URL, Token: staticToken("")})
	defer ch.Close()

	ch.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, ch.State())
	assert.Equal(t, 0, srv.dialCount())
}

func TestChannel_ReconnectWaitsOutMissingToken(t *testing.T) {
	srv := newWSServer(t)
	var token atomic.Value
	token.Store("tok")
	ch := New(Config{
		BaseURL:        srv.URL,
		Token:          func() string { return token.Load().(string) },
		BackoffFloor:   10 * time.Millisecond,
		BackoffCeiling: 20 * time.Millisecond,
		StableAfter:    time.Hour,
	})
	defer ch.Close()

	ch.Connect()
	conn := srv.next(t)
	token.Store("")
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.dialCount())
	assert.Equal(t, StateClosed, ch.State())

	// No Connect or Foreground: the armed retry picks the new token up.
	token.Store("tok2")
	srv.next(t)
	srv.mu.Lock()
	assert.Equal(t, "tok2", srv.tokens[1])
	srv.mu.Unlock()
}

func TestChannel_ConnectWhileOpenIsNoop(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{BaseURL: srv.URL, Token: staticToken("tok")})
	defer ch.Close()

	ch.Connect()
	srv.next(t)
	ch.Connect()
	ch.Connect()
	ch.Foreground()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.dialCount())
}

func TestChannel_ReconnectWithinOneToTwoSeconds(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{BaseURL: srv.URL, Token: staticToken("tok")})
	defer ch.Close()

	ch.Connect()
	conn := srv.next(t)

	closedAt := time.Now()
	conn.Close()

	srv.next(t)
	gap := srv.dialAt(1).Sub(closedAt)
	assert.GreaterOrEqual(t, gap, time.Second)
	assert.Less(t, gap, 2*time.Second)
}

func TestChannel_RepeatedClosesBackOff(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{
		BaseURL:        srv.URL,
		Token:          staticToken("tok"),
		BackoffFloor:   10 * time.Millisecond,
		BackoffCeiling: 40 * time.Millisecond,
		StableAfter:    time.Hour,
	})
	defer ch.Close()

	ch.Connect()
	for i := 0; i < 10; i++ {
		srv.next(t).Close()
	}
	srv.next(t)

	// Never reset because no connection stayed up; capped at the ceiling.
	assert.Equal(t, 40*time.Millisecond, ch.backoff.Peek())
}

func TestChannel_StableConnectionResetsBackoff(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{
		BaseURL:        srv.URL,
		Token:          staticToken("tok"),
		BackoffFloor:   10 * time.Millisecond,
		BackoffCeiling: time.Second,
		StableAfter:    50 * time.Millisecond,
	})
	defer ch.Close()

	ch.Connect()
	srv.next(t).Close()
	srv.next(t).Close()
	srv.next(t)
	assert.Greater(t, ch.backoff.Peek(), 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return ch.backoff.Peek() == 10*time.Millisecond
	}, time.Second, 10*time.Millisecond)
}

func TestChannel_CloseDoesNotReconnect(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{
		BaseURL:      srv.URL,
		Token:        staticToken("tok"),
		BackoffFloor: 10 * time.Millisecond,
	})

	ch.Connect()
	srv.next(t)
	ch.Close()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, srv.dialCount())
	assert.Equal(t, StateClosed, ch.State())

	ch.Foreground()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.dialCount(), "foreground must not revive a closed channel")
}

func TestChannel_ForegroundSkipsBackoff(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{
		BaseURL:      srv.URL,
		Token:        staticToken("tok"),
		BackoffFloor: 10 * time.Second,
	})
	defer ch.Close()

	ch.Connect()
	srv.next(t).Close()

	require.Eventually(t, func() bool { return ch.State() == StateClosed }, time.Second, 5*time.Millisecond)
	ch.Foreground()

	srv.next(t)
	assert.Equal(t, 2, srv.dialCount())
}

func TestChannel_UnauthorizedHandshake(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refused atomic.Bool
	ch := New(Config{
		BaseURL:        srv.URL,
		Token:          staticToken("stale"),
		BackoffFloor:   10 * time.Millisecond,
		OnUnauthorized: func() { refused.Store(true) },
	})
	defer ch.Close()

	ch.Connect()
	require.Eventually(t, refused.Load, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, StateClosed, ch.State())
}

func TestChannel_Send(t *testing.T) {
	srv := newWSServer(t)
	ch := New(Config{BaseURL: srv.URL, Token: staticToken("tok")})
	defer ch.Close()

	assert.ErrorIs(t, ch.Send(map[string]string{"type": "presence"}), ErrNotOpen)

	ch.Connect()
	conn := srv.next(t)
	require.Eventually(t, func() bool { return ch.State() == StateOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Send(map[string]string{"type": "presence"}))
	var msg map[string]string
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "presence", msg["type"])
}
