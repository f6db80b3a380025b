package stream

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/models"
)

// Stream event names. The direct/group message and read events differ on
// the wire, so both names are kept; payload shapes are shared with a
// group flag.
const (
	EventJoinRoom         = "join_room"
	EventJoinGroup        = "join_group"
	EventLeaveRoom        = "leave_room"
	EventSendMessage      = "send_message"
	EventSendGroupMessage = "send_group_message"
	EventReceiveMessage   = "receive_message"
	EventNewGroupMessage  = "newGroupMessage"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
	EventMessagesRead     = "messagesRead"
	EventGroupRead        = "groupMessagesRead"
	EventDelivered        = "messagesDelivered"
	EventMessageDeleted   = "messageDeleted"
	EventUserOnline       = "userOnline"
	EventUserOffline      = "userOffline"
	EventGroupUpdate      = "group_update"
	EventAck              = "ack"
	EventPing             = "ping"
)

// Local bus-only events, never sent on the wire.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
)

// Frame is the wire envelope. Frames are msgpack-encoded binary
// websocket messages. Ack correlates a request frame with the server's
// ack frame carrying the same id.
type Frame struct {
	Event   string             `msgpack:"event"`
	Ack     uint64             `msgpack:"ack,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

func encodeFrame(event string, ack uint64, payload any) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(Frame{Event: event, Ack: ack, Payload: raw})
}

// MessagePayload carries one message over the stream. Timestamps are
// unix milliseconds; the server's clock is coarse, which is why message
// ordering has an explicit tie-break.
type MessagePayload struct {
	LocalKey       string `msgpack:"localKey"`
	DurableID      string `msgpack:"id,omitempty"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	CreatedAt      int64  `msgpack:"createdAt"`
	Group          bool   `msgpack:"group,omitempty"`

	AttachmentKind string `msgpack:"attachmentKind,omitempty"`
	AttachmentName string `msgpack:"attachmentName,omitempty"`
	AttachmentMime string `msgpack:"attachmentMime,omitempty"`
}

func (p MessagePayload) ToModel() models.Message {
	m := models.Message{
		LocalKey:       p.LocalKey,
		DurableID:      p.DurableID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		CreatedAt:      time.UnixMilli(p.CreatedAt),
		State:          models.DeliverySent,
	}
	if p.AttachmentName != "" {
		m.Attachment = &models.Attachment{
			Kind:     models.AttachmentKind(p.AttachmentKind),
			Name:     p.AttachmentName,
			MimeType: p.AttachmentMime,
		}
	}
	return m
}

func NewMessagePayload(m models.Message, group bool) MessagePayload {
	p := MessagePayload{
		LocalKey:       m.LocalKey,
		DurableID:      m.DurableID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Group:          group,
	}
	if m.Attachment != nil {
		p.AttachmentKind = string(m.Attachment.Kind)
		p.AttachmentName = m.Attachment.Name
		p.AttachmentMime = m.Attachment.MimeType
	}
	return p
}

// AckPayload is the server's response to an acked send: the durable id
// assigned to the persisted message.
type AckPayload struct {
	DurableID string `msgpack:"id"`
}

type TypingPayload struct {
	ConversationID string `msgpack:"conversationId"`
	UserID         string `msgpack:"userId"`
	Group          bool   `msgpack:"group,omitempty"`
}

type ReadPayload struct {
	ConversationID string   `msgpack:"conversationId"`
	MessageIDs     []string `msgpack:"messageIds"`
	ReaderID       string   `msgpack:"readerId"`
	ReadAt         int64    `msgpack:"readAt"`
	Group          bool     `msgpack:"group,omitempty"`
}

type DeliveredPayload struct {
	ConversationID string `msgpack:"conversationId"`
	ReceiverID     string `msgpack:"receiverId"`
	DeliveredAt    int64  `msgpack:"deliveredAt"`
}

type DeletePayload struct {
	MessageID      string `msgpack:"messageId"`
	ConversationID string `msgpack:"conversationId"`
	Group          bool   `msgpack:"group,omitempty"`
}

type PresencePayload struct {
	UserID   string `msgpack:"userId"`
	LastSeen int64  `msgpack:"lastSeen,omitempty"`
}

type JoinPayload struct {
	RoomID string `msgpack:"roomId"`
}

type GroupUpdatePayload struct {
	Group   models.Group `msgpack:"group"`
	Deleted bool         `msgpack:"deleted,omitempty"`
}

type PingPayload struct {
	At int64 `msgpack:"at"`
}
