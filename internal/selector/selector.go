// Package selector tracks which conversation is active. Switching
// leaves the old room, joins the new one, loads history and read-marks
// what was unread; a reconnect rejoins the active room exactly once.
package selector

import (
	"context"
	"log/slog"
	"sync"

	"vestnik/internal/eventbus"
	"vestnik/internal/models"
	"vestnik/internal/stream"

	"github.com/vmihailenco/msgpack/v5"
)

type syncEngine interface {
	LoadHistory(ctx context.Context, conv models.Conversation, before string) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, group bool) error
	MarkDelivered(ctx context.Context, conversationID string) error
	UnreadMessageIDs(conversationID string) []string
	SetActive(conversationID string, group bool)
	ClearActive()
}

type roomClient interface {
	Emit(event string, payload any) error
	PruneTyping(conversationID string)
}

type Selector struct {
	engine syncEngine
	str    roomClient
	log    *slog.Logger

	mu     sync.Mutex
	active *models.Conversation
}

func New(engine syncEngine, str roomClient, log *slog.Logger) *Selector {
	return &Selector{engine: engine, str: str, log: log}
}

// Attach wires the reconnect rejoin: every time the stream comes up,
// the active conversation's room is joined once.
func (s *Selector) Attach(bus *eventbus.Bus) func() {
	return bus.Subscribe(stream.EventConnected, func(msgpack.RawMessage) {
		s.mu.Lock()
		conv := s.active
		s.mu.Unlock()
		if conv == nil {
			return
		}
		if err := s.join(*conv); err != nil {
			s.log.Warn("rejoin after reconnect failed", "conversation", conv.ID, "err", err)
		}
	})
}

// Active returns the current conversation, if any.
func (s *Selector) Active() (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return models.Conversation{}, false
	}
	return *s.active, true
}

// Select makes a conversation active. Selecting the already-active
// conversation is a no-op.
func (s *Selector) Select(ctx context.Context, conv models.Conversation) error {
	s.mu.Lock()
	if s.active != nil && s.active.ID == conv.ID {
		s.mu.Unlock()
		return nil
	}
	prev := s.active
	cp := conv
	s.active = &cp
	s.mu.Unlock()

	s.leave(prev)

	if err := s.join(conv); err != nil {
		s.log.Warn("room join failed", "conversation", conv.ID, "err", err)
	}
	s.engine.SetActive(conv.ID, conv.IsGroup())

	if err := s.engine.LoadHistory(ctx, conv, ""); err != nil {
		return err
	}

	if !conv.IsGroup() {
		if err := s.engine.MarkDelivered(ctx, conv.ID); err != nil {
			s.log.Warn("mark delivered failed", "conversation", conv.ID, "err", err)
		}
	}

	if unread := s.engine.UnreadMessageIDs(conv.ID); len(unread) > 0 {
		if err := s.engine.MarkRead(ctx, conv.ID, unread, conv.IsGroup()); err != nil {
			s.log.Warn("read-mark on activation failed", "conversation", conv.ID, "err", err)
		}
	}

	return nil
}

// Clear deterministically falls back to the no-active-conversation
// state, e.g. after the local user is removed from the active group.
func (s *Selector) Clear() {
	s.mu.Lock()
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	s.leave(prev)
	s.engine.ClearActive()
}

// ClearIf clears only when the given conversation is the active one.
func (s *Selector) ClearIf(conversationID string) {
	s.mu.Lock()
	match := s.active != nil && s.active.ID == conversationID
	s.mu.Unlock()
	if match {
		s.Clear()
	}
}

func (s *Selector) join(conv models.Conversation) error {
	event := stream.EventJoinRoom
	if conv.IsGroup() {
		event = stream.EventJoinGroup
	}
	return s.str.Emit(event, stream.JoinPayload{RoomID: conv.ID})
}

func (s *Selector) leave(prev *models.Conversation) {
	if prev == nil {
		return
	}
	if err := s.str.Emit(stream.EventLeaveRoom, stream.JoinPayload{RoomID: prev.ID}); err != nil {
		s.log.Warn("room leave failed", "conversation", prev.ID, "err", err)
	}
	s.str.PruneTyping(prev.ID)
}
