package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"coachchat/internal/constants"
	apperrors "coachchat/internal/errors"
	"coachchat/internal/metrics"
	"coachchat/internal/models"
	"coachchat/internal/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// pendingSend holds the exact request for a dispatched message so a retry
// resends byte-identical content.
type pendingSend struct {
	key            string
	conversationID string
	content        string
	kind           models.MessageKind
	attachments    []models.Attachment
}

// SendPipeline drives a compose request through the pending/sent/failed
// lifecycle: optimistic insert, asynchronous persistence under bounded
// backoff, in-place reconciliation, and explicit retry. All state lives
// on the runtime goroutine; the store call runs on a worker goroutine and
// re-enters through post.
type SendPipeline struct {
	store       MessageStore
	typing      *TypingCoordinator
	notify      NotificationSink
	backoff     *retry.Backoff
	index       *ConversationIndex
	threadFor   func(conversationID string) *ThreadController
	localUserID string
	logger      *logrus.Logger

	runAsync func(func())
	post     func(func())
	now      func() time.Time

	inflight map[string]string       // idempotency key -> temp id
	pending  map[string]*pendingSend // temp id -> request
}

func NewSendPipeline(store MessageStore, typing *TypingCoordinator, notify NotificationSink, backoff *retry.Backoff, index *ConversationIndex, threadFor func(string) *ThreadController, localUserID string, runAsync, post func(func()), logger *logrus.Logger) *SendPipeline {
	if runAsync == nil {
		runAsync = func(fn func()) { go fn() }
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &SendPipeline{
		store:       store,
		typing:      typing,
		notify:      notify,
		backoff:     backoff,
		index:       index,
		threadFor:   threadFor,
		localUserID: localUserID,
		logger:      logger,
		runAsync:    runAsync,
		post:        post,
		now:         time.Now,
		inflight:    make(map[string]string),
		pending:     make(map[string]*pendingSend),
	}
}

// Send validates a compose request, inserts the optimistic message and
// dispatches persistence. It returns the temporary message id. Validation
// failures never reach the pending state; a duplicate of an in-flight
// request is rejected before dispatch.
func (p *SendPipeline) Send(ctx context.Context, conversationID, content string, attachments []models.Attachment) (string, error) {
	if err := validateSend(conversationID, content, attachments); err != nil {
		return "", err
	}

	key := idempotencyKey(conversationID, content, attachments)
	if tempID, dup := p.inflight[key]; dup {
		return "", apperrors.New(apperrors.ErrCodeDuplicateSend, "identical send already in flight").
			WithContext("temp_id", tempID)
	}

	tempID := models.TempIDPrefix + uuid.NewString()
	req := &pendingSend{
		key:            key,
		conversationID: conversationID,
		content:        content,
		kind:           kindForAttachments(attachments),
		attachments:    append([]models.Attachment(nil), attachments...),
	}

	msg := &models.Message{
		ID:             tempID,
		ConversationID: conversationID,
		SenderID:       p.localUserID,
		Content:        content,
		Kind:           req.kind,
		Attachments:    req.attachments,
		CreatedAt:      p.now(),
		DeliveryState:  models.DeliveryPending,
	}

	if thread := p.threadFor(conversationID); thread != nil {
		thread.InsertPending(msg)
	}
	p.index.ApplyIncoming(msg)

	p.inflight[key] = tempID
	p.pending[tempID] = req

	// compose submit ends the local typing signal
	p.typing.OnSubmit(ctx, conversationID)

	metrics.IncrementCounter("send_dispatched_total", nil, "Messages dispatched to the store")
	p.dispatch(ctx, tempID, req)
	return tempID, nil
}

// Retry resets a failed message to pending and repeats the dispatch with
// the same content and attachments. It is the only transition out of the
// failed state.
func (p *SendPipeline) Retry(ctx context.Context, tempID string) error {
	req := p.pending[tempID]
	if req == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "no failed send with that id")
	}

	thread := p.threadFor(req.conversationID)
	if thread == nil || !thread.MarkRetrying(tempID) {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "message is not in a retryable state")
	}

	p.inflight[req.key] = tempID
	metrics.IncrementCounter("send_retried_total", nil, "Explicit send retries")
	p.dispatch(ctx, tempID, req)
	return nil
}

// PendingRequest exposes the stored request for a temp id, used by the
// delivery monitor and tests.
func (p *SendPipeline) PendingRequest(tempID string) (conversationID, content string, attachments []models.Attachment, ok bool) {
	req := p.pending[tempID]
	if req == nil {
		return "", "", nil, false
	}
	return req.conversationID, req.content, append([]models.Attachment(nil), req.attachments...), true
}

func (p *SendPipeline) dispatch(ctx context.Context, tempID string, req *pendingSend) {
	p.runAsync(func() {
		start := time.Now()
		var confirmed *models.Message
		err := p.backoff.Retry(ctx, func() error {
			m, sendErr := p.store.Send(ctx, req.conversationID, p.localUserID, req.content, req.kind, req.attachments)
			if sendErr == nil {
				confirmed = m
			}
			return sendErr
		})
		metrics.RecordTimer("send_duration", time.Since(start), nil, "Store send duration including retries")

		p.post(func() { p.finish(ctx, tempID, req, confirmed, err) })
	})
}

func (p *SendPipeline) finish(ctx context.Context, tempID string, req *pendingSend, confirmed *models.Message, err error) {
	delete(p.inflight, req.key)
	thread := p.threadFor(req.conversationID)

	if err != nil {
		metrics.IncrementCounter("send_failed_total", nil, "Sends that exhausted their attempts")
		apperrors.LogError(p.logger, apperrors.NewSendFailure(req.conversationID, err), "Message send failed", logrus.Fields{
			LogFieldTempID: tempID,
		})
		if thread != nil {
			thread.ApplySendResult(tempID, nil, err)
		}
		// request stays in pending so the user can retry without re-typing
		return
	}

	metrics.IncrementCounter("send_confirmed_total", nil, "Sends confirmed by the store")
	p.logger.WithFields(logrus.Fields{
		LogFieldConversationID: req.conversationID,
		LogFieldMessageID:      SanitizeMessageID(confirmed.ID),
		LogFieldTempID:         tempID,
	}).Debug("Send confirmed")

	if thread != nil {
		thread.ApplySendResult(tempID, confirmed, nil)
	}
	p.index.ApplyConfirmed(tempID, confirmed)
	delete(p.pending, tempID)

	if p.notify != nil {
		p.notify.MessageSent(ctx, confirmed)
		for _, userID := range mentionTargets(p.index.Get(confirmed.ConversationID), confirmed) {
			p.notify.Mentioned(ctx, confirmed, userID)
		}
	}
}

// mentionTargets returns participants called out with an @ in the
// message body, excluding the sender.
func mentionTargets(conv *models.Conversation, msg *models.Message) []string {
	if conv == nil || msg.Content == "" {
		return nil
	}
	lowered := strings.ToLower(msg.Content)
	var targets []string
	for _, p := range conv.Participants {
		if p.UserID == msg.SenderID || p.DisplayName == "" {
			continue
		}
		if strings.Contains(lowered, "@"+strings.ToLower(p.DisplayName)) {
			targets = append(targets, p.UserID)
		}
	}
	return targets
}

func validateSend(conversationID, content string, attachments []models.Attachment) error {
	if conversationID == "" {
		return apperrors.NewValidationError("conversationId", "conversation id is required")
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return apperrors.NewValidationError("content", "message needs text or at least one attachment")
	}
	if len(content) > constants.MaxMessageContentLength {
		return apperrors.NewValidationError("content", "message is too long")
	}
	if len(attachments) > constants.MaxAttachmentsPerSend {
		return apperrors.NewValidationError("attachments", "too many attachments")
	}
	for _, a := range attachments {
		if a.URL == "" {
			return apperrors.NewValidationError("attachments", "attachment is missing its upload URL")
		}
	}
	return nil
}

// idempotencyKey fingerprints a compose request so an accidental
// double-submit of the same message is dispatched once.
func idempotencyKey(conversationID, content string, attachments []models.Attachment) string {
	h := sha256.New()
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	h.Write([]byte(content))
	for _, a := range attachments {
		h.Write([]byte{0})
		fmt.Fprintf(h, "%s|%s|%d", a.URL, a.Name, a.Size)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func kindForAttachments(attachments []models.Attachment) models.MessageKind {
	if len(attachments) == 0 {
		return models.KindText
	}
	if strings.HasPrefix(attachments[0].MimeType, "image/") {
		return models.KindImage
	}
	return models.KindFile
}
