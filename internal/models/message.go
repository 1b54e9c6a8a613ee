package models

import (
	"strings"
	"time"
)

// DeliveryState is the lifecycle stage of a message. Failed is reachable
// only from pending; sent is terminal except for edit and delete.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// MessageKind distinguishes text, attachment and system messages.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// TempIDPrefix marks locally generated ids of messages awaiting confirmation.
const TempIDPrefix = "tmp-"

// Attachment is upload metadata produced by the attachment uploader.
// The core never inspects file bytes.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Reaction is a per-user emoji on a message, last write wins per user.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is a single chat message. While pending, ID is a locally
// generated temporary id and CreatedAt is the client wall clock; store
// confirmation replaces both with server-authoritative values.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"kind"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	DeliveryState  DeliveryState `json:"deliveryState"`
	Deleted        bool          `json:"deleted"`
}

// IsPendingID reports whether id is a locally generated temporary id.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Before reports whether m sorts before other under the authoritative
// thread order (created_at ascending, id ascending as tie-break).
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Clone returns a deep copy so controllers never alias caller memory.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	return &c
}
