package service

import (
	"context"
	"sync"

	"coachchat/internal/models"
)

// fakeStore is a function-backed MessageStore so each test controls
// exactly what the persistence layer returns.
type fakeStore struct {
	mu       sync.Mutex
	fetchFn  func(ctx context.Context, conversationID, beforeID string, limit int) ([]*models.Message, error)
	sendFn   func(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error)
	editFn   func(ctx context.Context, messageID, content string) (*models.Message, error)
	deleteFn func(ctx context.Context, messageID string) error
	reactFn  func(ctx context.Context, messageID, userID, emoji string) error
	convsFn  func(ctx context.Context) ([]*models.Conversation, error)

	sendCalls  int
	fetchCalls int
}

func (f *fakeStore) FetchPage(ctx context.Context, conversationID, beforeID string, limit int) ([]*models.Message, error) {
	f.mu.Lock()
	f.fetchCalls++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, conversationID, beforeID, limit)
}

func (f *fakeStore) Send(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error) {
	f.mu.Lock()
	f.sendCalls++
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, conversationID, senderID, content, kind, attachments)
}

func (f *fakeStore) Edit(ctx context.Context, messageID, content string) (*models.Message, error) {
	if f.editFn == nil {
		return nil, nil
	}
	return f.editFn(ctx, messageID, content)
}

func (f *fakeStore) Delete(ctx context.Context, messageID string) error {
	if f.deleteFn == nil {
		return nil
	}
	return f.deleteFn(ctx, messageID)
}

func (f *fakeStore) React(ctx context.Context, messageID, userID, emoji string) error {
	if f.reactFn == nil {
		return nil
	}
	return f.reactFn(ctx, messageID, userID, emoji)
}

func (f *fakeStore) Conversations(ctx context.Context) ([]*models.Conversation, error) {
	if f.convsFn == nil {
		return nil, nil
	}
	return f.convsFn(ctx)
}

func (f *fakeStore) sendCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

type typingEvent struct {
	conversationID string
	isTyping       bool
}

// fakePublisher records typing publications. The coordinator publishes
// from a goroutine, so access is guarded.
type fakePublisher struct {
	mu     sync.Mutex
	events []typingEvent
	err    error
}

func (f *fakePublisher) PublishTyping(ctx context.Context, conversationID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, typingEvent{conversationID: conversationID, isTyping: isTyping})
	return nil
}

func (f *fakePublisher) published() []typingEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingEvent(nil), f.events...)
}

// fakeChannel is a PresenceChannel feeding test-controlled streams.
type fakeChannel struct {
	fakePublisher
	presence chan models.PresenceRecord
	typing   chan models.TypingSignal
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		presence: make(chan models.PresenceRecord, 16),
		typing:   make(chan models.TypingSignal, 16),
	}
}

func (f *fakeChannel) Subscribe(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error) {
	return f.presence, nil
}

func (f *fakeChannel) SubscribeTyping(ctx context.Context, conversationID string) (<-chan models.TypingSignal, error) {
	return f.typing, nil
}

// fakeSink records notification fanout calls.
type fakeSink struct {
	mu        sync.Mutex
	sent      []string
	mentioned []string
}

func (f *fakeSink) MessageSent(ctx context.Context, msg *models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg.ID)
}

func (f *fakeSink) Mentioned(ctx context.Context, msg *models.Message, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentioned = append(f.mentioned, msg.ID+":"+userID)
}

func (f *fakeSink) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}
