package service

import (
	"context"
	"time"

	apperrors "coachchat/internal/errors"
	"coachchat/internal/metrics"
	"coachchat/internal/models"
	"coachchat/internal/retry"

	"github.com/sirupsen/logrus"
)

// Update kinds pushed to the UI layer after state changes.
const (
	UpdateConversations = "conversations"
	UpdateThread        = "thread"
	UpdateTyping        = "typing"
	UpdatePresence      = "presence"
)

// RuntimeConfig carries the tunables of the messaging core.
type RuntimeConfig struct {
	LocalUserID     string
	PageSize        int
	TypingDebounce  time.Duration
	TypingStaleness time.Duration
	SendBackoff     retry.BackoffConfig
}

// ThreadState is a point-in-time snapshot of one open conversation,
// safe to serialize from any goroutine.
type ThreadState struct {
	ConversationID  string            `json:"conversationId"`
	Messages        []*models.Message `json:"messages"`
	Sections        []DateSection     `json:"sections"`
	NewMessageCount int               `json:"newMessageCount"`
	HasMore         bool              `json:"hasMore"`
	Loading         bool              `json:"loading"`
	PageError       string            `json:"pageError,omitempty"`
	TypingIndicator string            `json:"typingIndicator,omitempty"`
}

// Runtime is the single-threaded event loop the whole messaging core
// runs on. Commands from the API layer and inbound channel events are
// posted onto one channel and dispatched in order, so no two handlers
// mutate core state concurrently. Store I/O runs on worker goroutines
// and re-enters through the same channel.
type Runtime struct {
	cfg     RuntimeConfig
	store   MessageStore
	channel PresenceChannel
	notify  NotificationSink
	logger  *logrus.Logger

	events chan func()

	index    *ConversationIndex
	typing   *TypingCoordinator
	pipeline *SendPipeline
	threads  map[string]*ThreadController
	presence map[string]models.PresenceRecord

	typingSubs map[string]context.CancelFunc
	onUpdate   func(kind, conversationID string)
}

func NewRuntime(cfg RuntimeConfig, store MessageStore, channel PresenceChannel, notify NotificationSink, logger *logrus.Logger) *Runtime {
	r := &Runtime{
		cfg:        cfg,
		store:      store,
		channel:    channel,
		notify:     notify,
		logger:     logger,
		events:     make(chan func(), 256),
		threads:    make(map[string]*ThreadController),
		presence:   make(map[string]models.PresenceRecord),
		typingSubs: make(map[string]context.CancelFunc),
	}

	r.index = NewConversationIndex(cfg.LocalUserID, logger)
	r.typing = NewTypingCoordinator(channel, cfg.LocalUserID, cfg.TypingDebounce, cfg.TypingStaleness, r.post, logger)
	r.pipeline = NewSendPipeline(store, r.typing, notify, retry.NewBackoff(cfg.SendBackoff), r.index,
		r.threadFor, cfg.LocalUserID, nil, r.post, logger)

	return r
}

// SetUpdateHandler registers the callback invoked on the loop goroutine
// after state changes; the UI layer uses it to push over the websocket.
// Must be called while the loop is running.
func (r *Runtime) SetUpdateHandler(fn func(kind, conversationID string)) {
	r.do(func() {
		r.onUpdate = fn
	})
}

// Run dispatches events until the context is cancelled. It must be
// running before any command method is called.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.WithField(LogFieldUserID, SanitizeUserID(r.cfg.LocalUserID)).Info("Messaging runtime started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Messaging runtime stopped")
			return ctx.Err()
		case fn := <-r.events:
			fn()
		}
	}
}

// post schedules fn on the loop goroutine.
func (r *Runtime) post(fn func()) {
	r.events <- fn
}

// do posts fn and waits for it to complete.
func (r *Runtime) do(fn func()) {
	done := make(chan struct{})
	r.events <- func() {
		fn()
		close(done)
	}
	<-done
}

func (r *Runtime) threadFor(conversationID string) *ThreadController {
	return r.threads[conversationID]
}

func (r *Runtime) update(kind, conversationID string) {
	if r.onUpdate != nil {
		r.onUpdate(kind, conversationID)
	}
}

// Bootstrap seeds the index from the store and subscribes to presence
// for every known participant.
func (r *Runtime) Bootstrap(ctx context.Context) error {
	convs, err := r.store.Conversations(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "loading conversations")
	}

	var userIDs []string
	seen := map[string]bool{r.cfg.LocalUserID: true}
	for _, conv := range convs {
		for _, p := range conv.Participants {
			if !seen[p.UserID] {
				seen[p.UserID] = true
				userIDs = append(userIDs, p.UserID)
			}
		}
	}

	r.do(func() { r.index.Load(convs) })

	if len(userIDs) > 0 {
		ch, err := r.channel.Subscribe(ctx, userIDs)
		if err != nil {
			// presence is best-effort and never blocks messaging
			r.logger.WithError(err).Warn("Presence subscription failed")
		} else {
			go r.forwardPresence(ch)
		}
	}
	return nil
}

func (r *Runtime) forwardPresence(ch <-chan models.PresenceRecord) {
	for rec := range ch {
		rec := rec
		r.post(func() {
			r.presence[rec.UserID] = rec
			r.update(UpdatePresence, "")
		})
	}
}

// Conversations lists the index under a filter and search query.
func (r *Runtime) Conversations(filter models.ConversationFilter, query string) []*models.Conversation {
	var out []*models.Conversation
	r.do(func() {
		for _, conv := range r.index.List(filter, query) {
			out = append(out, conv.Clone())
		}
	})
	return out
}

// TotalUnread returns the unread total across conversations.
func (r *Runtime) TotalUnread() int {
	var total int
	r.do(func() { total = r.index.TotalUnread() })
	return total
}

// MarkRead resets a conversation's unread counter.
func (r *Runtime) MarkRead(conversationID string) {
	r.do(func() {
		r.index.MarkRead(conversationID)
		r.update(UpdateConversations, conversationID)
	})
}

// SetArchived flips a conversation's archived flag.
func (r *Runtime) SetArchived(conversationID string, archived bool) {
	r.do(func() {
		r.index.SetArchived(conversationID, archived)
		r.update(UpdateConversations, conversationID)
	})
}

// OpenConversation opens a thread: history starts loading, the unread
// counter resets and the typing subscription for the conversation starts.
func (r *Runtime) OpenConversation(ctx context.Context, conversationID string) {
	// The initial page fetch and the typing subscription outlive the
	// caller's request; keep its values but not its cancellation.
	ctx = context.WithoutCancel(ctx)
	existed := false
	r.do(func() {
		if _, ok := r.threads[conversationID]; ok {
			existed = true
			r.index.SetOpen(conversationID, true)
			return
		}
		tc := NewThreadController(conversationID, r.cfg.LocalUserID, r.store, r.index, r.cfg.PageSize, nil, r.post, r.logger)
		r.threads[conversationID] = tc
		r.index.SetOpen(conversationID, true)
		tc.Open(ctx)
	})

	if !existed {
		r.subscribeTyping(ctx, conversationID)
	}
}

func (r *Runtime) subscribeTyping(ctx context.Context, conversationID string) {
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := r.channel.SubscribeTyping(subCtx, conversationID)
	if err != nil {
		cancel()
		r.logger.WithError(err).WithField(LogFieldConversationID, conversationID).
			Warn("Typing subscription failed")
		return
	}

	r.do(func() { r.typingSubs[conversationID] = cancel })

	go func() {
		for sig := range ch {
			sig := sig
			r.post(func() {
				r.typing.OnRemoteSignal(sig)
				r.update(UpdateTyping, sig.ConversationID)
			})
		}
	}()
}

// CloseConversation tears down an open thread: the debounce timer is
// cancelled, the typing subscription ends, and any in-flight page fetch
// result is discarded on arrival.
func (r *Runtime) CloseConversation(ctx context.Context, conversationID string) {
	ctx = context.WithoutCancel(ctx)
	r.do(func() {
		if cancel := r.typingSubs[conversationID]; cancel != nil {
			cancel()
			delete(r.typingSubs, conversationID)
		}
		r.typing.CloseConversation(ctx, conversationID)
		if tc := r.threads[conversationID]; tc != nil {
			tc.Close()
			delete(r.threads, conversationID)
		}
		r.index.ClearOpen(conversationID)
	})
}

// ThreadSnapshot captures the display state of an open conversation.
func (r *Runtime) ThreadSnapshot(conversationID string) (*ThreadState, error) {
	var state *ThreadState
	r.do(func() {
		tc := r.threads[conversationID]
		if tc == nil {
			return
		}
		msgs := tc.Messages()
		cloned := make([]*models.Message, len(msgs))
		for i, m := range msgs {
			cloned[i] = m.Clone()
		}
		state = &ThreadState{
			ConversationID:  conversationID,
			Messages:        cloned,
			Sections:        GroupMessages(cloned),
			NewMessageCount: tc.NewMessageCount(),
			HasMore:         tc.HasMore(),
			Loading:         tc.Loading(),
			TypingIndicator: r.typing.IndicatorText(conversationID, time.Now(), r.nameOf(conversationID)),
		}
		if err := tc.PageError(); err != nil {
			state.PageError = apperrors.GetUserMessage(err)
		}
	})
	if state == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "conversation is not open")
	}
	return state, nil
}

func (r *Runtime) nameOf(conversationID string) func(string) string {
	conv := r.index.Get(conversationID)
	return func(userID string) string {
		if conv == nil {
			return userID
		}
		return conv.ParticipantName(userID)
	}
}

// LoadOlder requests the next history page; a call while one is
// outstanding is a no-op.
func (r *Runtime) LoadOlder(ctx context.Context, conversationID string) error {
	var err error
	r.do(func() {
		tc := r.threads[conversationID]
		if tc == nil {
			err = apperrors.New(apperrors.ErrCodeNotFound, "conversation is not open")
			return
		}
		// The page fetch completes after the caller's request is done.
		tc.LoadOlder(context.WithoutCancel(ctx))
	})
	return err
}

// SetViewport forwards the UI scroll signal for the open conversation.
func (r *Runtime) SetViewport(conversationID string, nearBottom bool) {
	r.do(func() {
		if tc := r.threads[conversationID]; tc != nil {
			tc.SetViewport(nearBottom)
		}
		if r.index.IsOpen(conversationID) {
			r.index.SetViewportAtBottom(nearBottom)
		}
	})
}

// Send dispatches a compose request and returns the optimistic message id.
// The store dispatch runs after this method returns, so it is detached
// from the caller's cancellation.
func (r *Runtime) Send(ctx context.Context, conversationID, content string, attachments []models.Attachment) (string, error) {
	ctx = context.WithoutCancel(ctx)
	var tempID string
	var err error
	r.do(func() {
		tempID, err = r.pipeline.Send(ctx, conversationID, content, attachments)
		if err == nil {
			r.update(UpdateThread, conversationID)
			r.update(UpdateConversations, conversationID)
		}
	})
	return tempID, err
}

// RetrySend re-dispatches a failed message with identical content.
func (r *Runtime) RetrySend(ctx context.Context, tempID string) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	r.do(func() {
		err = r.pipeline.Retry(ctx, tempID)
	})
	return err
}

// TypingInput records local keystroke activity for a conversation.
// The coordinator keeps the context for its debounce expiry, which
// fires after the caller's request is done.
func (r *Runtime) TypingInput(ctx context.Context, conversationID string) {
	ctx = context.WithoutCancel(ctx)
	r.do(func() { r.typing.OnInput(ctx, conversationID) })
}

// TypingStop clears the local typing signal (composer blur or explicit
// stop).
func (r *Runtime) TypingStop(ctx context.Context, conversationID string) {
	ctx = context.WithoutCancel(ctx)
	r.do(func() { r.typing.OnBlurClear(ctx, conversationID) })
}

// PresenceFor renders a participant's presence for display.
func (r *Runtime) PresenceFor(userID string) string {
	var display string
	r.do(func() {
		rec, ok := r.presence[userID]
		if !ok {
			rec = models.PresenceRecord{UserID: userID}
		}
		display = PresenceDisplay(rec, time.Now())
	})
	return display
}

// EditMessage persists an edit and applies it to the open thread.
func (r *Runtime) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	edited, err := r.store.Edit(ctx, messageID, content)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "editing message")
	}
	r.do(func() {
		if tc := r.threads[conversationID]; tc != nil {
			tc.ApplyEdit(edited)
		}
		r.index.ApplyIncoming(edited)
		r.update(UpdateThread, conversationID)
	})
	return nil
}

// DeleteMessage tombstones a message; ordering in the thread is
// preserved.
func (r *Runtime) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := r.store.Delete(ctx, messageID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "deleting message")
	}
	r.do(func() {
		if tc := r.threads[conversationID]; tc != nil {
			tc.ApplyDelete(messageID)
		}
		r.update(UpdateThread, conversationID)
	})
	return nil
}

// ReactToMessage records an emoji reaction, last write wins per user.
func (r *Runtime) ReactToMessage(ctx context.Context, conversationID, messageID, emoji string) error {
	if err := r.store.React(ctx, messageID, r.cfg.LocalUserID, emoji); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "reacting to message")
	}
	r.do(func() {
		if tc := r.threads[conversationID]; tc != nil {
			tc.ApplyReaction(messageID, r.cfg.LocalUserID, emoji)
		}
		r.update(UpdateThread, conversationID)
	})
	return nil
}

// HandleInbound decodes and applies one raw realtime event. A malformed
// payload is dropped and logged; it never reaches the controllers
// half-applied.
func (r *Runtime) HandleInbound(raw []byte) {
	ev, err := models.DecodeEvent(raw)
	if err != nil {
		metrics.IncrementCounter("inbound_malformed_total", nil, "Dropped malformed inbound events")
		apperrors.LogError(r.logger, apperrors.NewMalformedPayload("inbound", err), "Dropping malformed inbound event")
		return
	}

	r.post(func() {
		switch ev.Type {
		case models.EventMessage:
			r.applyIncomingMessage(ev.Message)
		case models.EventTyping:
			r.typing.OnRemoteSignal(*ev.Typing)
			r.update(UpdateTyping, ev.Typing.ConversationID)
		case models.EventPresence:
			r.presence[ev.Presence.UserID] = *ev.Presence
			r.update(UpdatePresence, "")
		}
	})
}

func (r *Runtime) applyIncomingMessage(msg *models.Message) {
	if tc := r.threads[msg.ConversationID]; tc != nil {
		tc.OnIncoming(msg)
		r.update(UpdateThread, msg.ConversationID)
	}
	r.index.ApplyIncoming(msg)
	r.update(UpdateConversations, msg.ConversationID)
	metrics.IncrementCounter("inbound_messages_total", nil, "Inbound channel messages applied")
}

// StalePendingCount reports messages stuck in pending beyond the
// threshold, for the delivery monitor.
func (r *Runtime) StalePendingCount(ctx context.Context, threshold time.Duration) (int, error) {
	var count int
	r.do(func() {
		cutoff := time.Now().Add(-threshold)
		for _, tc := range r.threads {
			for _, msg := range tc.Messages() {
				if msg.DeliveryState == models.DeliveryPending && msg.CreatedAt.Before(cutoff) {
					count++
				}
			}
		}
	})
	return count, nil
}
