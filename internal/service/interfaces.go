package service

import (
	"context"

	"coachchat/internal/models"
)

// MessageStore is the persistence collaborator the core consumes. A real
// deployment backs it with a database; the core only sees these
// operations.
type MessageStore interface {
	FetchPage(ctx context.Context, conversationID, beforeMessageID string, limit int) ([]*models.Message, error)
	Send(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error)
	Edit(ctx context.Context, messageID, content string) (*models.Message, error)
	Delete(ctx context.Context, messageID string) error
	React(ctx context.Context, messageID, userID, emoji string) error
	Conversations(ctx context.Context) ([]*models.Conversation, error)
}

// PresenceChannel delivers presence and typing signals between
// participants. Failures on this channel are best-effort and never block
// message sending or reading.
type PresenceChannel interface {
	Subscribe(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error)
	PublishTyping(ctx context.Context, conversationID string, isTyping bool) error
	SubscribeTyping(ctx context.Context, conversationID string) (<-chan models.TypingSignal, error)
}

// TypingPublisher is the slice of PresenceChannel the coordinator needs.
type TypingPublisher interface {
	PublishTyping(ctx context.Context, conversationID string, isTyping bool) error
}

// NotificationSink receives fire-and-forget delivery events. The core
// never waits on or observes the outcome.
type NotificationSink interface {
	MessageSent(ctx context.Context, msg *models.Message)
	Mentioned(ctx context.Context, msg *models.Message, userID string)
}

// AttachmentUploader turns a raw file into attachment metadata. The core
// consumes the metadata only and never inspects file bytes.
type AttachmentUploader interface {
	Upload(ctx context.Context, path string) (*models.Attachment, error)
}
