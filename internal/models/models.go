package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotConnected = errors.New("not connected")
	ErrEmptyContent = errors.New("empty content")
	ErrNotFailed    = errors.New("message is not in failed state")
)

// Identity represents a counterpart user as seen by this client.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen,omitempty"` // Unix timestamp (seconds)
}

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is a direct or group chat. Direct conversations are keyed
// by the counterpart's identity id; groups have their own id.
type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"kind"`
	DisplayName    string           `json:"displayName"`
	ParticipantIDs []string         `json:"participantIds,omitempty"`
}

func (c Conversation) IsGroup() bool {
	return c.Kind == ConversationGroup
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one chat message. LocalKey is assigned at creation and
// identifies one logical send attempt; DurableID is assigned once the
// server persists the message and is the authoritative identity from
// then on.
type Message struct {
	LocalKey       string        `json:"localKey"`
	DurableID      string        `json:"id,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	State          DeliveryState `json:"state"`
	Attachment     *Attachment   `json:"attachment,omitempty"`

	// Direct conversations track a single read flag, groups a reader set.
	Read   bool            `json:"read,omitempty"`
	ReadAt time.Time       `json:"readAt,omitzero"`
	ReadBy map[string]bool `json:"readBy,omitempty"`
}

// Durable reports whether the server has persisted this message.
func (m *Message) Durable() bool {
	return m.DurableID != ""
}

// OrderKey is the tie-break component of the conversation ordering:
// the durable id once assigned, the local key before that.
func (m *Message) OrderKey() string {
	if m.DurableID != "" {
		return m.DurableID
	}
	return m.LocalKey
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
}

// Group is a group conversation's directory entry.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"members"`
	AdminIDs  []string `json:"admins"`
	AvatarRef string   `json:"avatarRef,omitempty"`
}

func (g *Group) HasMember(userID string) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (g *Group) IsAdmin(userID string) bool {
	for _, id := range g.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// TypingEntry is an ephemeral "user X is typing in conversation Y" fact.
type TypingEntry struct {
	ConversationID string
	UserID         string
	ExpiresAt      time.Time
}

type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
	StatusReconnecting ConnStatus = "reconnecting"
)

// ConnectionState is the observable state of the event stream connection.
type ConnectionState struct {
	Status           ConnStatus
	ReconnectAttempt int
	LastError        error
}
