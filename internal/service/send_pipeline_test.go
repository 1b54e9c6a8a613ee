package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "coachchat/internal/errors"
	"coachchat/internal/models"
	"coachchat/internal/retry"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	pipeline *SendPipeline
	thread   *ThreadController
	index    *ConversationIndex
	store    *fakeStore
	typing   *TypingCoordinator
	pub      *fakePublisher
	sink     *fakeSink
}

func fastBackoff() *retry.Backoff {
	return retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  2,
	})
}

func newPipelineFixture(t *testing.T, store *fakeStore) *pipelineFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ix := NewConversationIndex("coach-1", logger)
	thread := NewThreadController("conv-1", "coach-1", store, ix, 10, synchronous, synchronous, logger)
	pub := &fakePublisher{}
	typing := NewTypingCoordinator(pub, "coach-1", time.Hour, time.Minute, synchronous, logger)
	sink := &fakeSink{}

	threadFor := func(conversationID string) *ThreadController {
		if conversationID == "conv-1" {
			return thread
		}
		return nil
	}
	pipeline := NewSendPipeline(store, typing, sink, fastBackoff(), ix, threadFor, "coach-1", synchronous, synchronous, logger)

	return &pipelineFixture{
		pipeline: pipeline,
		thread:   thread,
		index:    ix,
		store:    store,
		typing:   typing,
		pub:      pub,
		sink:     sink,
	}
}

func confirmingStore() *fakeStore {
	store := &fakeStore{}
	store.sendFn = func(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error) {
		return &models.Message{
			ID:             "msg-confirmed",
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			Kind:           kind,
			Attachments:    attachments,
			CreatedAt:      time.Now().UTC(),
			DeliveryState:  models.DeliverySent,
		}, nil
	}
	return store
}

func failingStore() *fakeStore {
	store := &fakeStore{}
	store.sendFn = func(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error) {
		return nil, errors.New("store unavailable")
	}
	return store
}

func TestSend_HappyPathConfirmsInPlace(t *testing.T) {
	f := newPipelineFixture(t, confirmingStore())

	tempID, err := f.pipeline.Send(context.Background(), "conv-1", "hello", nil)
	require.NoError(t, err)
	assert.True(t, models.IsPendingID(tempID))

	msgs := f.thread.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-confirmed", msgs[0].ID)
	assert.Equal(t, models.DeliverySent, msgs[0].DeliveryState)

	conv := f.index.Get("conv-1")
	require.NotNil(t, conv)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "msg-confirmed", conv.LastMessage.ID)
	assert.Equal(t, 0, conv.UnreadCount, "own sends never count unread")

	assert.Equal(t, []string{"msg-confirmed"}, f.sink.sentIDs())

	// Pending request is gone once confirmed.
	_, _, _, ok := f.pipeline.PendingRequest(tempID)
	assert.False(t, ok)
}

func TestSend_ValidationFailuresNeverReachPending(t *testing.T) {
	f := newPipelineFixture(t, confirmingStore())
	ctx := context.Background()

	_, err := f.pipeline.Send(ctx, "", "hello", nil)
	assert.Error(t, err)

	_, err = f.pipeline.Send(ctx, "conv-1", "   \n\t ", nil)
	assert.Error(t, err)

	_, err = f.pipeline.Send(ctx, "conv-1", strings.Repeat("x", 9000), nil)
	assert.Error(t, err)

	_, err = f.pipeline.Send(ctx, "conv-1", "", []models.Attachment{{Name: "missing-url"}})
	assert.Error(t, err)

	assert.Empty(t, f.thread.Messages())
	assert.Equal(t, 0, f.store.sendCallCount())
}

func TestSend_AttachmentOnlyMessageIsValid(t *testing.T) {
	f := newPipelineFixture(t, confirmingStore())

	attachments := []models.Attachment{{URL: "https://files.example.com/a.png", Name: "a.png", Size: 100, MimeType: "image/png"}}
	_, err := f.pipeline.Send(context.Background(), "conv-1", "", attachments)
	require.NoError(t, err)

	msgs := f.thread.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.KindImage, msgs[0].Kind)
}

func TestSend_FailureKeepsMessageForRetry(t *testing.T) {
	f := newPipelineFixture(t, failingStore())

	tempID, err := f.pipeline.Send(context.Background(), "conv-1", "will fail", nil)
	require.NoError(t, err, "dispatch failure surfaces on the message, not the call")

	msgs := f.thread.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, tempID, msgs[0].ID)
	assert.Equal(t, models.DeliveryFailed, msgs[0].DeliveryState)
	assert.Equal(t, "will fail", msgs[0].Content)

	// Bounded retries happened before giving up.
	assert.Equal(t, 2, f.store.sendCallCount())

	// The original request is retained for an explicit retry.
	convID, content, _, ok := f.pipeline.PendingRequest(tempID)
	require.True(t, ok)
	assert.Equal(t, "conv-1", convID)
	assert.Equal(t, "will fail", content)
}

func TestRetry_ResendsByteIdenticalContent(t *testing.T) {
	f := newPipelineFixture(t, failingStore())
	ctx := context.Background()

	attachments := []models.Attachment{{URL: "https://files.example.com/plan.pdf", Name: "plan.pdf", Size: 2048, MimeType: "application/pdf"}}
	tempID, err := f.pipeline.Send(ctx, "conv-1", "check this plan", attachments)
	require.NoError(t, err)
	require.Equal(t, models.DeliveryFailed, f.thread.Messages()[0].DeliveryState)

	var gotContent string
	var gotAttachments []models.Attachment
	f.store.sendFn = func(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, atts []models.Attachment) (*models.Message, error) {
		gotContent = content
		gotAttachments = atts
		return &models.Message{
			ID: "msg-confirmed", ConversationID: conversationID, SenderID: senderID,
			Content: content, Kind: kind, Attachments: atts,
			CreatedAt: time.Now().UTC(), DeliveryState: models.DeliverySent,
		}, nil
	}

	require.NoError(t, f.pipeline.Retry(ctx, tempID))

	assert.Equal(t, "check this plan", gotContent)
	require.Len(t, gotAttachments, 1)
	assert.Equal(t, "plan.pdf", gotAttachments[0].Name)

	msgs := f.thread.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-confirmed", msgs[0].ID)
	assert.Equal(t, models.DeliverySent, msgs[0].DeliveryState)
}

func TestRetry_RequiresFailedState(t *testing.T) {
	f := newPipelineFixture(t, confirmingStore())
	ctx := context.Background()

	err := f.pipeline.Retry(ctx, "tmp-unknown")
	assert.Error(t, err)

	// A confirmed send has nothing left to retry.
	tempID, err := f.pipeline.Send(ctx, "conv-1", "hello", nil)
	require.NoError(t, err)
	err = f.pipeline.Retry(ctx, tempID)
	assert.Error(t, err)
}

func TestSend_DuplicateInFlightRejected(t *testing.T) {
	store := confirmingStore()
	f := newPipelineFixture(t, store)
	ctx := context.Background()

	// Hold the dispatch so the first send stays in flight.
	var deferred []func()
	f.pipeline.runAsync = func(fn func()) { deferred = append(deferred, fn) }

	_, err := f.pipeline.Send(ctx, "conv-1", "same text", nil)
	require.NoError(t, err)

	_, err = f.pipeline.Send(ctx, "conv-1", "same text", nil)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeDuplicateSend, appErr.Code)

	// Different content is a different request.
	_, err = f.pipeline.Send(ctx, "conv-1", "different text", nil)
	assert.NoError(t, err)

	for _, fn := range deferred {
		fn()
	}

	// After confirmation the same content may be sent again.
	_, err = f.pipeline.Send(ctx, "conv-1", "same text", nil)
	assert.NoError(t, err)
}

func TestSend_ClearsLocalTypingSignal(t *testing.T) {
	f := newPipelineFixture(t, confirmingStore())
	ctx := context.Background()

	f.typing.OnInput(ctx, "conv-1")
	_, err := f.pipeline.Send(ctx, "conv-1", "done typing", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events := f.pub.published()
		return len(events) == 2 && !events[1].isTyping
	}, time.Second, 5*time.Millisecond)
}

func TestIdempotencyKey(t *testing.T) {
	a := []models.Attachment{{URL: "u1", Name: "n1", Size: 10}}

	assert.Equal(t,
		idempotencyKey("conv-1", "text", a),
		idempotencyKey("conv-1", "text", a))
	assert.NotEqual(t,
		idempotencyKey("conv-1", "text", a),
		idempotencyKey("conv-2", "text", a))
	assert.NotEqual(t,
		idempotencyKey("conv-1", "text", a),
		idempotencyKey("conv-1", "text", nil))
	assert.NotEqual(t,
		idempotencyKey("conv-1", "text", a),
		idempotencyKey("conv-1", "other", a))
}

func TestKindForAttachments(t *testing.T) {
	assert.Equal(t, models.KindText, kindForAttachments(nil))
	assert.Equal(t, models.KindImage, kindForAttachments([]models.Attachment{{MimeType: "image/jpeg"}}))
	assert.Equal(t, models.KindFile, kindForAttachments([]models.Attachment{{MimeType: "application/pdf"}}))
}

func TestSendNotifiesMentionedParticipants(t *testing.T) {
	f := newPipelineFixture(t, confirmingStore())
	f.index.Load([]*models.Conversation{{
		ID: "conv-1",
		Participants: []models.Participant{
			{UserID: "coach-1", DisplayName: "Dana"},
			{UserID: "client-sam", DisplayName: "Sam"},
		},
	}})

	_, err := f.pipeline.Send(context.Background(), "conv-1", "great work @sam, rest tomorrow", nil)
	require.NoError(t, err)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Equal(t, []string{"msg-confirmed:client-sam"}, f.sink.mentioned)
}

func TestMentionTargets(t *testing.T) {
	conv := &models.Conversation{
		ID: "conv-1",
		Participants: []models.Participant{
			{UserID: "coach-1", DisplayName: "Dana"},
			{UserID: "client-sam", DisplayName: "Sam"},
			{UserID: "client-alex", DisplayName: "Alex"},
		},
	}

	msg := &models.Message{SenderID: "coach-1", Content: "@Sam and @alex please sync"}
	assert.ElementsMatch(t, []string{"client-sam", "client-alex"}, mentionTargets(conv, msg))

	// The sender's own name never counts as a mention.
	msg = &models.Message{SenderID: "coach-1", Content: "ask @Dana"}
	assert.Empty(t, mentionTargets(conv, msg))

	msg = &models.Message{SenderID: "coach-1", Content: "no callouts here"}
	assert.Empty(t, mentionTargets(conv, msg))

	assert.Empty(t, mentionTargets(nil, msg))
}
