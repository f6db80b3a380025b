// Package typing implements both halves of the typing indicator: the
// local debounce (one start per burst of keystrokes, stop on idle or
// send) and the rendering of remote typists into a banner string.
package typing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vestnik/internal/config"
	"vestnik/internal/models"
	"vestnik/internal/stream"
)

type emitter interface {
	Emit(event string, payload any) error
	TypingEntries(conversationID string) []models.TypingEntry
}

type activeProvider interface {
	Active() (models.Conversation, bool)
}

type nameResolver interface {
	Get(id string) (models.Identity, error)
}

type Coordinator struct {
	str  emitter
	sel  activeProvider
	dir  nameResolver
	sess config.Session
	idle time.Duration
	log  *slog.Logger

	// afterFunc is swapped out in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu       sync.Mutex
	typingIn string // conversation we have an outstanding start-typing in
	group    bool
	timer    *time.Timer
}

func New(str emitter, sel activeProvider, dir nameResolver, sess config.Session, cfg *config.Config, log *slog.Logger) *Coordinator {
	return &Coordinator{
		str:       str,
		sel:       sel,
		dir:       dir,
		sess:      sess,
		idle:      cfg.TypingIdle,
		log:       log,
		afterFunc: time.AfterFunc,
	}
}

// InputChanged is called on every local content change. The first
// keystroke of a burst emits start-typing; the rest only push the idle
// timer out.
func (c *Coordinator) InputChanged() {
	conv, ok := c.sel.Active()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.typingIn != conv.ID {
		c.stopLocked()
		err := c.str.Emit(stream.EventTyping, stream.TypingPayload{
			ConversationID: conv.ID,
			UserID:         c.sess.UserID,
			Group:          conv.IsGroup(),
		})
		if err != nil {
			c.log.Warn("typing emit failed", "err", err)
			return
		}
		c.typingIn = conv.ID
		c.group = conv.IsGroup()
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.afterFunc(c.idle, c.Idle)
}

// Sent clears the typing state immediately after a message goes out.
func (c *Coordinator) Sent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// Idle fires when the idle timer expires.
func (c *Coordinator) Idle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Coordinator) stopLocked() {
	if c.typingIn == "" {
		return
	}
	err := c.str.Emit(stream.EventStopTyping, stream.TypingPayload{
		ConversationID: c.typingIn,
		UserID:         c.sess.UserID,
		Group:          c.group,
	})
	if err != nil {
		c.log.Warn("stop typing emit failed", "err", err)
	}
	c.typingIn = ""
	c.group = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Banner renders the typists of a conversation into display text:
// nothing, "A is typing", "A and B are typing", or a collapsed
// "A and N others are typing" for three or more. Names sort
// alphabetically so the output is deterministic.
func (c *Coordinator) Banner(conversationID string) string {
	entries := c.str.TypingEntries(conversationID)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.UserID == c.sess.UserID {
			continue
		}
		name := e.UserID
		if u, err := c.dir.Get(e.UserID); err == nil && u.DisplayName != "" {
			name = u.DisplayName
		}
		names = append(names, name)
	}
	sort.Strings(names)

	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	case 2:
		return names[0] + " and " + names[1] + " are typing"
	default:
		return fmt.Sprintf("%s and %d others are typing", names[0], len(names)-1)
	}
}
