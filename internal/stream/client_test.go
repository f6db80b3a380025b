package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"

	"vestnik/internal/config"
	"vestnik/internal/eventbus"
	"vestnik/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	reads  chan readResult
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads: make(chan readResult, 16),
		done:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.BinaryMessage, r.data, nil
	case <-f.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "closed"}
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	var fr Frame
	if err := msgpack.Unmarshal(data, &fr); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) sent(event string) []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Frame
	for _, fr := range f.frames {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeConn) push(t *testing.T, event string, ack uint64, payload any) {
	t.Helper()
	data, err := encodeFrame(event, ack, payload)
	require.NoError(t, err)
	f.reads <- readResult{data: data}
}

func testConfig() *config.Config {
	return &config.Config{
		StreamURL:            "ws://test.invalid/ws",
		ReconnectMaxAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    5 * time.Millisecond,
		HeartbeatInterval:    time.Minute,
		TypingIdle:           3 * time.Second,
	}
}

func testClient(cfg *config.Config) (*Client, *eventbus.Bus) {
	bus := eventbus.New()
	sess := config.Session{UserID: "me", Token: "t"}
	return NewClient(cfg, sess, bus, slog.New(slog.NewTextHandler(io.Discard, nil))), bus
}

func TestEmitRequiresConnection(t *testing.T) {
	c, _ := testClient(testConfig())
	err := c.Emit(EventPing, PingPayload{At: 1})
	require.ErrorIs(t, err, models.ErrNotConnected)
}

func TestConnectDispatchesFrames(t *testing.T) {
	c, bus := testClient(testConfig())
	conn := newFakeConn()
	c.dial = func(context.Context) (wsConn, error) { return conn, nil }

	var (
		mu       sync.Mutex
		received []MessagePayload
	)
	defer bus.Subscribe(EventReceiveMessage, func(raw msgpack.RawMessage) {
		var p MessagePayload
		if msgpack.Unmarshal(raw, &p) != nil {
			return
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	})()

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.Connected())
	defer c.Disconnect()

	conn.push(t, EventReceiveMessage, 0, MessagePayload{
		DurableID:      "m1",
		ConversationID: "c1",
		SenderID:       "peer",
		Content:        "hello",
		CreatedAt:      1717243200000,
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m1", received[0].DurableID)
	assert.Equal(t, "hello", received[0].Content)
}

func TestConnectIsIdempotent(t *testing.T) {
	c, _ := testClient(testConfig())
	conn := newFakeConn()
	dials := 0
	c.dial = func(context.Context) (wsConn, error) {
		dials++
		return conn, nil
	}

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	assert.Equal(t, 1, dials)
}

func TestEmitAckCorrelation(t *testing.T) {
	c, _ := testClient(testConfig())
	conn := newFakeConn()
	c.dial = func(context.Context) (wsConn, error) { return conn, nil }

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	acked := make(chan AckPayload, 1)
	err := c.EmitAck(EventSendMessage, MessagePayload{LocalKey: "lk", Content: "hi"}, func(p AckPayload) {
		acked <- p
	})
	require.NoError(t, err)

	frames := conn.sent(EventSendMessage)
	require.Len(t, frames, 1)
	require.NotZero(t, frames[0].Ack)

	// Server acks with the same correlation id.
	conn.push(t, EventAck, frames[0].Ack, AckPayload{DurableID: "m9"})

	select {
	case p := <-acked:
		assert.Equal(t, "m9", p.DurableID)
	case <-time.After(time.Second):
		t.Fatal("ack callback never fired")
	}
}

func TestAckDroppedOnDisconnect(t *testing.T) {
	c, _ := testClient(testConfig())
	conn := newFakeConn()
	c.dial = func(context.Context) (wsConn, error) { return conn, nil }

	require.NoError(t, c.Connect(context.Background()))

	fired := false
	require.NoError(t, c.EmitAck(EventSendMessage, MessagePayload{LocalKey: "lk"}, func(AckPayload) {
		fired = true
	}))

	c.Disconnect()

	// A late ack for a dropped registration is ignored.
	c.resolveAck(1, nil)
	assert.False(t, fired)
}

func TestReconnectAfterReadError(t *testing.T) {
	c, bus := testClient(testConfig())
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dials := 0
	c.dial = func(context.Context) (wsConn, error) {
		dials++
		if dials == 1 {
			return conn1, nil
		}
		return conn2, nil
	}

	var connects sync.WaitGroup
	connects.Add(2)
	defer bus.Subscribe(EventConnected, func(msgpack.RawMessage) {
		connects.Done()
	})()

	require.NoError(t, c.Connect(context.Background()))

	conn1.reads <- readResult{err: fmt.Errorf("connection reset")}

	wait := make(chan struct{})
	go func() {
		connects.Wait()
		close(wait)
	}()
	select {
	case <-wait:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected")
	}

	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, dials)
	c.Disconnect()
}

func TestReconnectGivesUp(t *testing.T) {
	c, _ := testClient(testConfig())
	conn := newFakeConn()
	dials := 0
	c.dial = func(context.Context) (wsConn, error) {
		dials++
		if dials == 1 {
			return conn, nil
		}
		return nil, fmt.Errorf("refused")
	}

	require.NoError(t, c.Connect(context.Background()))
	conn.reads <- readResult{err: fmt.Errorf("connection reset")}

	require.Eventually(t, func() bool {
		st := c.State()
		return st.Status == models.StatusDisconnected && st.LastError == ErrRetriesExhausted
	}, 2*time.Second, 5*time.Millisecond)

	st := c.State()
	assert.Equal(t, testConfig().ReconnectMaxAttempts, st.ReconnectAttempt)
	assert.Equal(t, 1+testConfig().ReconnectMaxAttempts, dials)
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	c, _ := testClient(testConfig())
	conn := newFakeConn()
	dials := 0
	c.dial = func(context.Context) (wsConn, error) {
		dials++
		return conn, nil
	}

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dials)
	assert.Equal(t, models.StatusDisconnected, c.State().Status)
}

func TestTrackPresence(t *testing.T) {
	c, _ := testClient(testConfig())
	conn := newFakeConn()
	c.dial = func(context.Context) (wsConn, error) { return conn, nil }

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	conn.push(t, EventUserOnline, 0, PresencePayload{UserID: "bob"})
	conn.push(t, EventUserOnline, 0, PresencePayload{UserID: "alice"})

	require.Eventually(t, func() bool {
		return len(c.OnlineUsers()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice", "bob"}, c.OnlineUsers())

	conn.push(t, EventUserOffline, 0, PresencePayload{UserID: "bob"})
	require.Eventually(t, func() bool {
		users := c.OnlineUsers()
		return len(users) == 1 && users[0] == "alice"
	}, time.Second, 5*time.Millisecond)
}

func TestTrackTyping(t *testing.T) {
	c, _ := testClient(testConfig())
	conn := newFakeConn()
	c.dial = func(context.Context) (wsConn, error) { return conn, nil }

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	conn.push(t, EventTyping, 0, TypingPayload{ConversationID: "c1", UserID: "bob"})
	conn.push(t, EventTyping, 0, TypingPayload{ConversationID: "c1", UserID: "alice"})
	conn.push(t, EventTyping, 0, TypingPayload{ConversationID: "c2", UserID: "carol"})

	require.Eventually(t, func() bool {
		return len(c.TypingEntries("c1")) == 2
	}, time.Second, 5*time.Millisecond)

	entries := c.TypingEntries("c1")
	assert.Equal(t, "alice", entries[0].UserID)
	assert.Equal(t, "bob", entries[1].UserID)
	assert.Len(t, c.TypingEntries("c2"), 1)

	// Explicit stop removes the user.
	conn.push(t, EventStopTyping, 0, TypingPayload{ConversationID: "c1", UserID: "bob"})
	require.Eventually(t, func() bool {
		e := c.TypingEntries("c1")
		return len(e) == 1 && e[0].UserID == "alice"
	}, time.Second, 5*time.Millisecond)

	// Entries past their expiry stop being reported.
	c.now = func() time.Time { return base.Add(time.Minute) }
	assert.Empty(t, c.TypingEntries("c1"))

	c.PruneTyping("c2")
	assert.Empty(t, c.TypingEntries("c2"))
}

func TestReconnectDelay(t *testing.T) {
	base := time.Second
	ceil := 5 * time.Second
	netErr := fmt.Errorf("connection reset")

	tests := []struct {
		name    string
		attempt int
		cause   error
		want    time.Duration
	}{
		{"first attempt ramps from base", 1, netErr, time.Second},
		{"second attempt", 2, netErr, 2 * time.Second},
		{"capped at ceiling", 7, netErr, 5 * time.Second},
		{"immediate after server close", 1, &websocket.CloseError{Code: websocket.CloseGoingAway}, 0},
		{"server close only skips the first wait", 2, &websocket.CloseError{Code: websocket.CloseGoingAway}, 2 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, reconnectDelay(tc.attempt, tc.cause, base, ceil))
		})
	}
}

func TestServerClosed(t *testing.T) {
	assert.True(t, serverClosed(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.True(t, serverClosed(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.True(t, serverClosed(&websocket.CloseError{Code: websocket.CloseServiceRestart}))
	assert.False(t, serverClosed(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.False(t, serverClosed(fmt.Errorf("connection reset")))
}
