// Package engine reconciles REST-fetched durable history with streamed
// events into one deduplicated, ordered view per conversation, and owns
// the optimistic send state machine
// (pending -> sent -> delivered -> read, or pending -> failed).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/config"
	"vestnik/internal/content"
	"vestnik/internal/eventbus"
	"vestnik/internal/models"
	"vestnik/internal/stream"
)

// HistoryFetchError wraps a failed history page fetch; the caller may
// simply retry the load.
type HistoryFetchError struct {
	ConversationID string
	Err            error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("history fetch for %s: %v", e.ConversationID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

type historyAPI interface {
	Messages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error)
	GroupMessages(ctx context.Context, groupID, before string, limit int) ([]models.Message, error)
	PostMessage(ctx context.Context, m models.Message) (models.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string, group bool) error
	MarkDelivered(ctx context.Context, conversationID string) error
	EditMessage(ctx context.Context, id, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

type streamEmitter interface {
	Connected() bool
	Emit(event string, payload any) error
	EmitAck(event string, payload any, ack stream.AckFunc) error
}

type Engine struct {
	api  historyAPI
	str  streamEmitter
	sess config.Session
	cfg  *config.Config
	log  *slog.Logger
	now  func() time.Time

	mu          sync.Mutex
	convs       map[string]*timeline
	unread      map[string]int
	timers      map[string]*time.Timer
	arrival     uint64
	active      string
	activeGroup bool
}

func New(api historyAPI, str streamEmitter, sess config.Session, cfg *config.Config, log *slog.Logger) *Engine {
	return &Engine{
		api:    api,
		str:    str,
		sess:   sess,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		convs:  make(map[string]*timeline),
		unread: make(map[string]int),
		timers: make(map[string]*time.Timer),
	}
}

// Attach subscribes the engine to the stream events it consumes. The
// returned function detaches everything.
func (e *Engine) Attach(ctx context.Context, bus *eventbus.Bus) func() {
	var offs []func()
	sub := func(event string, h eventbus.Handler) {
		offs = append(offs, bus.Subscribe(event, h))
	}

	onMessage := func(payload msgpack.RawMessage) {
		var p stream.MessagePayload
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			e.log.Warn("bad message payload", "err", err)
			return
		}
		e.Receive(ctx, p.ToModel(), p.Group)
	}
	sub(stream.EventReceiveMessage, onMessage)
	sub(stream.EventNewGroupMessage, onMessage)

	onRead := func(payload msgpack.RawMessage) {
		var p stream.ReadPayload
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			return
		}
		e.ApplyRead(p)
	}
	sub(stream.EventMessagesRead, onRead)
	sub(stream.EventGroupRead, onRead)

	sub(stream.EventDelivered, func(payload msgpack.RawMessage) {
		var p stream.DeliveredPayload
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			return
		}
		e.ApplyDelivered(p)
	})

	sub(stream.EventMessageDeleted, func(payload msgpack.RawMessage) {
		var p stream.DeletePayload
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			return
		}
		e.ApplyDelete(p)
	})

	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// SetActive tells the engine which conversation the user is looking at.
// Unread counting and auto read-marking key off this.
func (e *Engine) SetActive(conversationID string, group bool) {
	e.mu.Lock()
	e.active = conversationID
	e.activeGroup = group
	e.mu.Unlock()
}

func (e *Engine) ClearActive() {
	e.SetActive("", false)
}

// LoadHistory fetches one page of durable messages. With an empty
// cursor it replaces the conversation view, preserving still-pending
// and failed local sends; with a cursor it prepends the older page.
func (e *Engine) LoadHistory(ctx context.Context, conv models.Conversation, before string) error {
	var (
		fetched []models.Message
		err     error
	)
	if conv.IsGroup() {
		fetched, err = e.api.GroupMessages(ctx, conv.ID, before, e.cfg.HistoryPageLen)
	} else {
		fetched, err = e.api.Messages(ctx, conv.ID, before, e.cfg.HistoryPageLen)
	}
	if err != nil {
		return &HistoryFetchError{ConversationID: conv.ID, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.timeline(conv.ID, conv.IsGroup())

	if before == "" {
		kept := make([]*entry, 0, 4)
		for _, en := range tl.entries {
			if en.msg.State == models.DeliveryPending || en.msg.State == models.DeliveryFailed {
				kept = append(kept, en)
			}
		}
		fresh := newTimeline(conv.IsGroup())
		for _, en := range kept {
			fresh.insert(en)
		}
		tl = fresh
		e.convs[conv.ID] = tl
	}

	for _, m := range fetched {
		m := m
		if m.DurableID == "" {
			continue
		}
		if _, dup := tl.byDurable[m.DurableID]; dup {
			continue
		}
		if m.LocalKey == "" {
			// History rows predate this client; key them by durable id.
			m.LocalKey = m.DurableID
		}
		if m.State == "" {
			m.State = models.DeliverySent
		}
		if m.Read {
			m.State = models.DeliveryRead
		}
		e.arrival++
		tl.insert(&entry{msg: &m, arrival: e.arrival})
	}

	return nil
}

// Send appends an optimistic pending entry, emits it on the stream and
// concurrently issues the durable write. It returns the local key of
// the new entry immediately; delivery state advances in the background.
func (e *Engine) Send(ctx context.Context, conv models.Conversation, body string, att *models.Attachment) (string, error) {
	if err := content.ValidateBody(body); err != nil {
		return "", err
	}
	if !e.str.Connected() {
		return "", models.ErrNotConnected
	}

	msg := &models.Message{
		LocalKey:       uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       e.sess.UserID,
		Content:        body,
		// The wire carries millisecond timestamps; truncate up front so a
		// round-tripped echo compares equal to the local entry.
		CreatedAt:  e.now().Truncate(time.Millisecond),
		State:      models.DeliveryPending,
		Attachment: att,
	}

	e.mu.Lock()
	tl := e.timeline(conv.ID, conv.IsGroup())
	e.arrival++
	tl.insert(&entry{msg: msg, arrival: e.arrival})
	key := msg.LocalKey
	e.timers[key] = time.AfterFunc(e.cfg.AckTimeout, func() {
		e.expirePending(conv.ID, key)
	})
	e.mu.Unlock()

	event := stream.EventSendMessage
	if conv.IsGroup() {
		event = stream.EventSendGroupMessage
	}
	payload := stream.NewMessagePayload(*msg, conv.IsGroup())
	err := e.str.EmitAck(event, payload, func(ack stream.AckPayload) {
		e.confirm(conv.ID, key, ack.DurableID)
	})
	if err != nil {
		// The stream emission is not the durable path; the POST below
		// still decides the outcome.
		e.log.Warn("stream emit failed", "event", event, "err", err)
	}

	go func() {
		saved, err := e.api.PostMessage(ctx, *msg)
		if err != nil {
			e.log.Warn("durable write failed", "conversation", conv.ID, "err", err)
			e.markFailed(conv.ID, key)
			return
		}
		e.confirm(conv.ID, key, saved.DurableID)
	}()

	return key, nil
}

// Retry re-issues a failed send as a brand-new message at the current
// tail; it does not reclaim its original chronological slot. The failed
// entry is removed only once the new send is accepted, so a rejected
// retry leaves it visible and retryable.
func (e *Engine) Retry(ctx context.Context, localKey string) (string, error) {
	e.mu.Lock()
	var (
		found *entry
		conv  models.Conversation
	)
	for id, tl := range e.convs {
		if en, ok := tl.byLocal[localKey]; ok {
			if en.msg.State != models.DeliveryFailed {
				e.mu.Unlock()
				return "", models.ErrNotFailed
			}
			found = en
			conv = models.Conversation{ID: id, Kind: models.ConversationDirect}
			if tl.group {
				conv.Kind = models.ConversationGroup
			}
			break
		}
	}
	e.mu.Unlock()

	if found == nil {
		return "", models.ErrNotFound
	}

	key, err := e.Send(ctx, conv, found.msg.Content, found.msg.Attachment)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if tl := e.convs[conv.ID]; tl != nil {
		if en, ok := tl.byLocal[localKey]; ok && en == found {
			tl.remove(en)
		}
	}
	e.mu.Unlock()
	return key, nil
}

// Receive reconciles a remotely-sourced message. An echo of our own
// optimistic send merges into the existing entry instead of duplicating
// it; genuinely new messages are inserted in order. A message for the
// active conversation is read-marked right away, any other conversation
// gets its unread count bumped.
func (e *Engine) Receive(ctx context.Context, m models.Message, group bool) {
	if m.DurableID == "" && m.LocalKey == "" {
		return
	}

	e.mu.Lock()
	tl := e.timeline(m.ConversationID, group)

	if m.DurableID != "" {
		if _, dup := tl.byDurable[m.DurableID]; dup {
			e.mu.Unlock()
			return
		}
	}

	// An echo of our own send normally carries the local key back; match
	// on it first, the content triple is the fallback for echoes that
	// dropped it.
	if m.LocalKey != "" {
		if en, ok := tl.byLocal[m.LocalKey]; ok {
			if m.DurableID != "" && !en.msg.Durable() {
				e.adopt(tl, en, m.DurableID)
			}
			e.mu.Unlock()
			return
		}
	}
	if m.DurableID != "" {
		if echo := tl.findEcho(m); echo != nil {
			e.adopt(tl, echo, m.DurableID)
			e.mu.Unlock()
			return
		}
	}

	cp := m
	if cp.LocalKey == "" {
		cp.LocalKey = cp.DurableID
	}
	if cp.State == "" {
		cp.State = models.DeliverySent
	}
	e.arrival++
	tl.insert(&entry{msg: &cp, arrival: e.arrival})

	own := cp.SenderID == e.sess.UserID
	activeConv := e.active == cp.ConversationID
	e.mu.Unlock()

	if own {
		return
	}
	if activeConv {
		if cp.DurableID != "" {
			go func() {
				if err := e.MarkRead(ctx, cp.ConversationID, []string{cp.DurableID}, group); err != nil {
					e.log.Warn("auto read-mark failed", "err", err)
				}
			}()
		}
		return
	}

	e.mu.Lock()
	e.unread[cp.ConversationID]++
	e.mu.Unlock()
}

// MarkRead marks a batch of messages read: local state first, then one
// batched REST call and one stream broadcast, regardless of how many
// ids are in the set. Already-read ids are filtered out; if nothing is
// left the call is a complete no-op.
func (e *Engine) MarkRead(ctx context.Context, conversationID string, messageIDs []string, group bool) error {
	now := e.now()

	e.mu.Lock()
	tl := e.convs[conversationID]
	fresh := make([]string, 0, len(messageIDs))
	if tl != nil {
		for _, id := range messageIDs {
			en, ok := tl.byDurable[id]
			if !ok {
				continue
			}
			if group {
				if en.msg.ReadBy[e.sess.UserID] {
					continue
				}
				if en.msg.ReadBy == nil {
					en.msg.ReadBy = make(map[string]bool)
				}
				en.msg.ReadBy[e.sess.UserID] = true
			} else {
				if en.msg.Read {
					continue
				}
				en.msg.Read = true
				en.msg.ReadAt = now
			}
			fresh = append(fresh, id)
		}
	}
	// Unread resets together with the broadcast below, never separately.
	prevUnread := e.unread[conversationID]
	e.unread[conversationID] = 0
	e.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	if err := e.api.MarkRead(ctx, conversationID, fresh, group); err != nil {
		// No broadcast went out; put the counter back. Bumps that landed
		// in the meantime are kept on top.
		e.mu.Lock()
		e.unread[conversationID] += prevUnread
		e.mu.Unlock()
		return fmt.Errorf("mark read: %w", err)
	}

	event := stream.EventMessagesRead
	if group {
		event = stream.EventGroupRead
	}
	err := e.str.Emit(event, stream.ReadPayload{
		ConversationID: conversationID,
		MessageIDs:     fresh,
		ReaderID:       e.sess.UserID,
		ReadAt:         now.UnixMilli(),
		Group:          group,
	})
	if err != nil {
		e.log.Warn("read broadcast failed", "conversation", conversationID, "err", err)
	}
	return nil
}

// MarkDelivered tells the server and the peers that everything
// outstanding in the conversation reached this client.
func (e *Engine) MarkDelivered(ctx context.Context, conversationID string) error {
	if err := e.api.MarkDelivered(ctx, conversationID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	err := e.str.Emit(stream.EventDelivered, stream.DeliveredPayload{
		ConversationID: conversationID,
		ReceiverID:     e.sess.UserID,
		DeliveredAt:    e.now().UnixMilli(),
	})
	if err != nil {
		e.log.Warn("delivered broadcast failed", "conversation", conversationID, "err", err)
	}
	return nil
}

// Delete removes a message server-side first; local state changes only
// after the server confirms.
func (e *Engine) Delete(ctx context.Context, conversationID, durableID string) error {
	if err := e.api.DeleteMessage(ctx, durableID); err != nil {
		return err
	}

	e.mu.Lock()
	group := false
	if tl := e.convs[conversationID]; tl != nil {
		group = tl.group
		if en, ok := tl.byDurable[durableID]; ok {
			tl.remove(en)
		}
	}
	e.mu.Unlock()

	err := e.str.Emit(stream.EventMessageDeleted, stream.DeletePayload{
		MessageID:      durableID,
		ConversationID: conversationID,
		Group:          group,
	})
	if err != nil {
		e.log.Warn("delete broadcast failed", "err", err)
	}
	return nil
}

// Edit replaces a message's content server-side first; on failure the
// local entry is untouched and the error is returned to the caller.
func (e *Engine) Edit(ctx context.Context, conversationID, durableID, body string) error {
	if err := content.ValidateBody(body); err != nil {
		return err
	}
	saved, err := e.api.EditMessage(ctx, durableID, body)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if tl := e.convs[conversationID]; tl != nil {
		if en, ok := tl.byDurable[durableID]; ok {
			en.msg.Content = saved.Content
		}
	}
	e.mu.Unlock()
	return nil
}

// ApplyRead applies a peer's read receipt to our sent messages.
func (e *Engine) ApplyRead(p stream.ReadPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.convs[p.ConversationID]
	if tl == nil {
		return
	}
	for _, id := range p.MessageIDs {
		en, ok := tl.byDurable[id]
		if !ok {
			continue
		}
		if p.Group {
			if en.msg.ReadBy == nil {
				en.msg.ReadBy = make(map[string]bool)
			}
			en.msg.ReadBy[p.ReaderID] = true
		} else if en.msg.SenderID == e.sess.UserID {
			en.msg.State = models.DeliveryRead
			en.msg.Read = true
			en.msg.ReadAt = time.UnixMilli(p.ReadAt)
		}
	}
}

// ApplyDelivered advances our sent-but-undelivered messages.
func (e *Engine) ApplyDelivered(p stream.DeliveredPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.convs[p.ConversationID]
	if tl == nil {
		return
	}
	for _, en := range tl.entries {
		if en.msg.SenderID == e.sess.UserID && en.msg.State == models.DeliverySent {
			en.msg.State = models.DeliveryDelivered
		}
	}
}

// ApplyDelete removes a message deleted by its author elsewhere.
func (e *Engine) ApplyDelete(p stream.DeletePayload) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.convs[p.ConversationID]
	if tl == nil {
		return
	}
	if en, ok := tl.byDurable[p.MessageID]; ok {
		tl.remove(en)
	}
}

// Messages returns the ordered view of a conversation.
func (e *Engine) Messages(conversationID string) []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.convs[conversationID]
	if tl == nil {
		return nil
	}
	return tl.snapshot()
}

func (e *Engine) UnreadCount(conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread[conversationID]
}

// UnreadMessageIDs lists durable ids of peer messages we have not read
// yet, for the read-mark on conversation activation.
func (e *Engine) UnreadMessageIDs(conversationID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.convs[conversationID]
	if tl == nil {
		return nil
	}
	var ids []string
	for _, en := range tl.entries {
		if en.msg.SenderID == e.sess.UserID || !en.msg.Durable() {
			continue
		}
		if tl.group {
			if en.msg.ReadBy[e.sess.UserID] {
				continue
			}
		} else if en.msg.Read {
			continue
		}
		ids = append(ids, en.msg.DurableID)
	}
	return ids
}

// timeline returns (creating if needed) the timeline for a conversation.
// Callers must hold e.mu.
func (e *Engine) timeline(conversationID string, group bool) *timeline {
	tl := e.convs[conversationID]
	if tl == nil {
		tl = newTimeline(group)
		e.convs[conversationID] = tl
	}
	return tl
}

// confirm records the durable id for an optimistic send. Both the
// stream ack and the durable write response land here; whichever comes
// second finds the id already set and merges silently.
func (e *Engine) confirm(conversationID, localKey, durableID string) {
	if durableID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.convs[conversationID]
	if tl == nil {
		return
	}
	en, ok := tl.byLocal[localKey]
	if !ok {
		return
	}
	if en.msg.DurableID == durableID {
		return
	}

	// An echo that slipped past triple-dedup would sit in the timeline
	// as a separate durable entry; fold it into ours.
	if other, dup := tl.byDurable[durableID]; dup && other != en {
		tl.remove(other)
	}

	en.msg.DurableID = durableID
	if en.msg.State == models.DeliveryPending || en.msg.State == models.DeliveryFailed {
		en.msg.State = models.DeliverySent
	}
	tl.index(en)
	tl.resort()

	e.stopTimer(localKey)
}

// adopt folds a server echo's durable id into the matching optimistic
// entry. Callers hold e.mu.
func (e *Engine) adopt(tl *timeline, en *entry, durableID string) {
	en.msg.DurableID = durableID
	if en.msg.State == models.DeliveryPending || en.msg.State == models.DeliveryFailed {
		en.msg.State = models.DeliverySent
	}
	tl.index(en)
	tl.resort()
	e.stopTimer(en.msg.LocalKey)
}

// markFailed transitions a still-undurable send to failed.
func (e *Engine) markFailed(conversationID, localKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tl := e.convs[conversationID]
	if tl == nil {
		return
	}
	en, ok := tl.byLocal[localKey]
	if !ok || en.msg.Durable() {
		return
	}
	en.msg.State = models.DeliveryFailed
	e.stopTimer(localKey)
}

// expirePending fires when neither the stream ack nor the durable write
// resolved a send within the ack timeout.
func (e *Engine) expirePending(conversationID, localKey string) {
	e.mu.Lock()
	tl := e.convs[conversationID]
	var pending bool
	if tl != nil {
		if en, ok := tl.byLocal[localKey]; ok {
			pending = en.msg.State == models.DeliveryPending && !en.msg.Durable()
		}
	}
	e.mu.Unlock()

	if pending {
		e.log.Warn("send unacknowledged, marking failed", "localKey", localKey)
		e.markFailed(conversationID, localKey)
	}
}

// stopTimer stops the ack timer for a local key. Callers hold e.mu.
func (e *Engine) stopTimer(localKey string) {
	if t, ok := e.timers[localKey]; ok {
		t.Stop()
		delete(e.timers, localKey)
	}
}
