// Package stream owns the single logical duplex connection to the chat
// server: connect/reconnect policy, liveness pings, ack correlation and
// the presence/typing bookkeeping driven by server events. Everything
// else in the module talks to the server through this client or the
// REST client, never both for the same concern.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/config"
	"vestnik/internal/eventbus"
	"vestnik/internal/models"
)

// ErrRetriesExhausted is left in ConnectionState.LastError after the
// reconnect loop gives up; only a manual Connect clears it.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one websocket connection. Injected so tests can supply
// scripted connections.
type Dialer func(ctx context.Context) (wsConn, error)

type AckFunc func(AckPayload)

type Client struct {
	cfg  *config.Config
	sess config.Session
	log  *slog.Logger
	bus  *eventbus.Bus
	dial Dialer
	now  func() time.Time

	mu      sync.Mutex
	conn    wsConn
	state   models.ConnectionState
	closing bool
	cancel  context.CancelFunc
	parent  context.Context // context Connect was called with, reused for reconnects

	ackMu   sync.Mutex
	nextAck uint64
	acks    map[uint64]AckFunc

	presenceMu sync.Mutex
	online     map[string]bool
	typing     map[string]map[string]time.Time // conversation -> user -> expiry
}

func NewClient(cfg *config.Config, sess config.Session, bus *eventbus.Bus, log *slog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		sess:   sess,
		log:    log,
		bus:    bus,
		now:    time.Now,
		acks:   make(map[uint64]AckFunc),
		online: make(map[string]bool),
		typing: make(map[string]map[string]time.Time),
	}
	c.state.Status = models.StatusDisconnected
	c.dial = c.dialWebsocket
	return c
}

func (c *Client) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	header.Set("auth-token", c.sess.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.StreamURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.StreamURL, err)
	}
	return conn, nil
}

// Bus exposes the event bus for subscribers.
func (c *Client) Bus() *eventbus.Bus { return c.bus }

// Subscribe registers a handler for a named stream event and returns an
// unsubscribe function.
func (c *Client) Subscribe(event string, h eventbus.Handler) func() {
	return c.bus.Subscribe(event, h)
}

func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State().Status == models.StatusConnected
}

// Connect establishes the connection and starts the read and heartbeat
// loops. It is also the manual retry entrypoint after the automatic
// reconnect loop has given up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status == models.StatusConnected || c.state.Status == models.StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = models.ConnectionState{Status: models.StatusConnecting}
	c.closing = false
	c.parent = ctx
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = models.ConnectionState{Status: models.StatusDisconnected, LastError: err}
		c.mu.Unlock()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.state = models.ConnectionState{Status: models.StatusConnected}
	c.mu.Unlock()

	c.log.Info("stream connected", "url", c.cfg.StreamURL)
	c.bus.Publish(EventConnected, nil)

	go c.readLoop(conn)
	go c.heartbeatLoop(loopCtx)

	return nil
}

// Disconnect closes the connection without triggering reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = models.ConnectionState{Status: models.StatusDisconnected}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.dropAcks()
	c.bus.Publish(EventDisconnected, nil)
}

// Emit sends one fire-and-forget frame.
func (c *Client) Emit(event string, payload any) error {
	return c.write(event, 0, payload)
}

// EmitAck sends a frame and registers a callback for the server's ack.
// The callback is dropped (never invoked) if the connection is lost
// before the ack arrives; callers that need a deadline keep their own.
func (c *Client) EmitAck(event string, payload any, ack AckFunc) error {
	c.ackMu.Lock()
	c.nextAck++
	id := c.nextAck
	c.acks[id] = ack
	c.ackMu.Unlock()

	if err := c.write(event, id, payload); err != nil {
		c.ackMu.Lock()
		delete(c.acks, id)
		c.ackMu.Unlock()
		return err
	}
	return nil
}

func (c *Client) write(event string, ack uint64, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state.Status == models.StatusConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		return models.ErrNotConnected
	}

	data, err := encodeFrame(event, ack, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) readLoop(conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var frame Frame
		if err := msgpack.Unmarshal(data, &frame); err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}

		if frame.Event == EventAck && frame.Ack != 0 {
			c.resolveAck(frame.Ack, frame.Payload)
			continue
		}

		c.track(frame)
		c.bus.Publish(frame.Event, frame.Payload)
	}
}

func (c *Client) resolveAck(id uint64, payload msgpack.RawMessage) {
	c.ackMu.Lock()
	fn, ok := c.acks[id]
	delete(c.acks, id)
	c.ackMu.Unlock()
	if !ok {
		return
	}

	var p AckPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		c.log.Warn("dropping malformed ack", "err", err)
		return
	}
	fn(p)
}

func (c *Client) dropAcks() {
	c.ackMu.Lock()
	c.acks = make(map[uint64]AckFunc)
	c.ackMu.Unlock()
}

// track keeps the presence and typing sets current before the frame is
// handed to subscribers.
func (c *Client) track(frame Frame) {
	switch frame.Event {
	case EventUserOnline, EventUserOffline:
		var p PresencePayload
		if msgpack.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		c.presenceMu.Lock()
		if frame.Event == EventUserOnline {
			c.online[p.UserID] = true
		} else {
			delete(c.online, p.UserID)
		}
		c.presenceMu.Unlock()
	case EventTyping, EventStopTyping:
		var p TypingPayload
		if msgpack.Unmarshal(frame.Payload, &p) != nil {
			return
		}
		c.presenceMu.Lock()
		if frame.Event == EventTyping {
			if c.typing[p.ConversationID] == nil {
				c.typing[p.ConversationID] = make(map[string]time.Time)
			}
			c.typing[p.ConversationID][p.UserID] = c.now().Add(c.cfg.TypingIdle + time.Second)
		} else if m := c.typing[p.ConversationID]; m != nil {
			delete(m, p.UserID)
		}
		c.presenceMu.Unlock()
	}
}

// OnlineUsers returns the ids currently known to be online, sorted.
func (c *Client) OnlineUsers() []string {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	ids := make([]string, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TypingEntries returns the unexpired typing entries for a conversation.
func (c *Client) TypingEntries(conversationID string) []models.TypingEntry {
	now := c.now()

	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	var entries []models.TypingEntry
	for userID, exp := range c.typing[conversationID] {
		if exp.After(now) {
			entries = append(entries, models.TypingEntry{
				ConversationID: conversationID,
				UserID:         userID,
				ExpiresAt:      exp,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// PruneTyping forgets typing state for a conversation that stopped being
// active, so a stale banner cannot reappear on the next visit.
func (c *Client) PruneTyping(conversationID string) {
	c.presenceMu.Lock()
	delete(c.typing, conversationID)
	c.presenceMu.Unlock()
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Liveness only; the server uses it to evict stale sessions.
			if err := c.Emit(EventPing, PingPayload{At: c.now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	c.state = models.ConnectionState{Status: models.StatusReconnecting, LastError: err}
	parent := c.parent
	c.mu.Unlock()

	c.dropAcks()
	c.log.Warn("stream disconnected", "err", err)
	c.bus.Publish(EventDisconnected, nil)

	go c.reconnectLoop(parent, err)
}

func (c *Client) reconnectLoop(ctx context.Context, cause error) {
	for attempt := 1; attempt <= c.cfg.ReconnectMaxAttempts; attempt++ {
		delay := reconnectDelay(attempt, cause, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)

		c.mu.Lock()
		c.state = models.ConnectionState{
			Status:           models.StatusReconnecting,
			ReconnectAttempt: attempt,
			LastError:        cause,
		}
		c.mu.Unlock()
		c.bus.Publish(EventReconnecting, nil)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		// Connect refuses while status is reconnecting-adjacent, reset first.
		c.state = models.ConnectionState{Status: models.StatusDisconnected, ReconnectAttempt: attempt}
		c.mu.Unlock()

		err := c.Connect(ctx)
		if err == nil {
			return
		}
		cause = err
		c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
	}

	c.mu.Lock()
	c.state = models.ConnectionState{
		Status:           models.StatusDisconnected,
		ReconnectAttempt: c.cfg.ReconnectMaxAttempts,
		LastError:        ErrRetriesExhausted,
	}
	c.mu.Unlock()
	c.log.Error("giving up on reconnect", "attempts", c.cfg.ReconnectMaxAttempts)
}

// reconnectDelay ramps linearly from base to max. A first attempt after
// the server closed the session goes out immediately: the close was
// deliberate, so the endpoint is up and waiting.
func reconnectDelay(attempt int, cause error, base, ceil time.Duration) time.Duration {
	if attempt == 1 && serverClosed(cause) {
		return 0
	}
	d := base * time.Duration(attempt)
	if d > ceil {
		d = ceil
	}
	return d
}

func serverClosed(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure ||
			closeErr.Code == websocket.CloseGoingAway ||
			closeErr.Code == websocket.CloseServiceRestart
	}
	return false
}
