package service

import (
	"context"
	"sort"
	"time"

	apperrors "coachchat/internal/errors"
	"coachchat/internal/metrics"
	"coachchat/internal/models"

	"github.com/sirupsen/logrus"
)

// ThreadController owns the ordered message list for one open
// conversation: pagination, optimistic insertion, reconciliation with
// confirmed state and the scroll policy. The authoritative order is
// (created_at ascending, id ascending); it never depends on the arrival
// order of events.
//
// All mutation happens on the runtime goroutine. Page fetches are the
// only suspension point; they run on a worker goroutine and re-enter
// through post, guarded by an explicit in-flight flag.
type ThreadController struct {
	conversationID string
	localUserID    string
	store          MessageStore
	index          *ConversationIndex
	pageSize       int
	logger         *logrus.Logger

	runAsync func(func())
	post     func(func())

	messages []*models.Message
	byID     map[string]*models.Message

	loadingOlder bool
	hasMore      bool
	open         bool
	nearBottom   bool
	newCount     int
	pageErr      error
}

func NewThreadController(conversationID, localUserID string, store MessageStore, index *ConversationIndex, pageSize int, runAsync, post func(func()), logger *logrus.Logger) *ThreadController {
	if runAsync == nil {
		runAsync = func(fn func()) { go fn() }
	}
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &ThreadController{
		conversationID: conversationID,
		localUserID:    localUserID,
		store:          store,
		index:          index,
		pageSize:       pageSize,
		logger:         logger,
		runAsync:       runAsync,
		post:           post,
		byID:           make(map[string]*models.Message),
		hasMore:        true,
		open:           true,
		nearBottom:     true,
	}
}

// Open starts the initial page fetch for the newest messages.
func (tc *ThreadController) Open(ctx context.Context) {
	tc.LoadOlder(ctx)
}

// LoadOlder fetches the next page of history. A call while a fetch is
// outstanding is a no-op, not an error. A failed fetch leaves the loaded
// history untouched and records a retryable error; calling LoadOlder
// again is the retry affordance.
func (tc *ThreadController) LoadOlder(ctx context.Context) {
	if tc.loadingOlder || !tc.hasMore {
		return
	}
	tc.loadingOlder = true
	tc.pageErr = nil

	before := ""
	if len(tc.messages) > 0 {
		before = tc.messages[0].ID
	}

	tc.runAsync(func() {
		start := time.Now()
		page, err := tc.store.FetchPage(ctx, tc.conversationID, before, tc.pageSize)
		metrics.RecordTimer("thread_page_fetch", time.Since(start), nil, "History page fetch duration")
		tc.post(func() { tc.finishLoad(page, err) })
	})
}

func (tc *ThreadController) finishLoad(page []*models.Message, err error) {
	tc.loadingOlder = false

	// A late result for a closed conversation is discarded outright.
	if !tc.open {
		tc.logger.WithField(LogFieldConversationID, tc.conversationID).
			Debug("Dropping page fetch result for closed conversation")
		return
	}

	if err != nil {
		tc.pageErr = apperrors.NewStaleFetchFailure(tc.conversationID, err)
		metrics.IncrementCounter("thread_page_fetch_failed", nil, "Failed history page fetches")
		tc.logger.WithError(err).WithField(LogFieldConversationID, tc.conversationID).
			Warn("History page fetch failed, keeping loaded messages")
		return
	}

	if len(page) < tc.pageSize {
		tc.hasMore = false
	}
	for _, msg := range page {
		tc.insert(msg)
	}
}

// OnIncoming merges a message that arrived over the realtime channel.
// Duplicates under at-least-once delivery are dropped, keeping first-seen
// attributes merged with any newer edit/read state.
func (tc *ThreadController) OnIncoming(msg *models.Message) {
	known := tc.byID[msg.ID] != nil
	tc.insert(msg)

	if known || msg.SenderID == tc.localUserID {
		return
	}
	if tc.nearBottom {
		// view auto-advances to show it
		tc.newCount = 0
		return
	}
	tc.newCount++
}

// InsertPending adds an optimistic message at the tail. The client wall
// clock CreatedAt places it there under the authoritative order.
func (tc *ThreadController) InsertPending(msg *models.Message) {
	tc.insert(msg)
	tc.newCount = 0
}

// ApplySendResult reconciles an optimistic message with the store's
// verdict. On success the temporary entry becomes the confirmed message
// in place, then settles at the position its server timestamp dictates.
// On failure the message stays visible, delivery state failed.
func (tc *ThreadController) ApplySendResult(tempID string, confirmed *models.Message, sendErr error) {
	existing := tc.byID[tempID]
	if existing == nil {
		return
	}

	if sendErr != nil {
		existing.DeliveryState = models.DeliveryFailed
		return
	}

	delete(tc.byID, tempID)
	if dup := tc.byID[confirmed.ID]; dup != nil {
		// the confirmed message already arrived over the channel
		tc.remove(existing)
		mergeMessage(dup, confirmed)
		return
	}

	existing.ID = confirmed.ID
	existing.CreatedAt = confirmed.CreatedAt
	existing.DeliveryState = models.DeliverySent
	existing.Kind = confirmed.Kind
	tc.byID[existing.ID] = existing
	tc.resort()
}

// MarkRetrying flips a failed message back to pending for an explicit
// retry. It is the only path out of the failed state.
func (tc *ThreadController) MarkRetrying(tempID string) bool {
	msg := tc.byID[tempID]
	if msg == nil || msg.DeliveryState != models.DeliveryFailed {
		return false
	}
	msg.DeliveryState = models.DeliveryPending
	return true
}

// ApplyEdit applies a confirmed edit, last write wins.
func (tc *ThreadController) ApplyEdit(msg *models.Message) {
	if existing := tc.byID[msg.ID]; existing != nil {
		mergeMessage(existing, msg)
	}
}

// ApplyDelete tombstones a message so ordering is preserved.
func (tc *ThreadController) ApplyDelete(messageID string) {
	if existing := tc.byID[messageID]; existing != nil {
		existing.Deleted = true
		existing.Content = ""
		existing.Attachments = nil
		existing.Kind = models.KindSystem
	}
}

// ApplyReaction records a reaction, last write wins per user.
func (tc *ThreadController) ApplyReaction(messageID, userID, emoji string) {
	existing := tc.byID[messageID]
	if existing == nil {
		return
	}
	for i, r := range existing.Reactions {
		if r.UserID == userID {
			existing.Reactions[i].Emoji = emoji
			return
		}
	}
	existing.Reactions = append(existing.Reactions, models.Reaction{UserID: userID, Emoji: emoji})
}

// SetViewport records whether the view is within the near-bottom
// threshold. Returning to the bottom clears the new-message affordance.
func (tc *ThreadController) SetViewport(nearBottom bool) {
	tc.nearBottom = nearBottom
	if nearBottom {
		tc.newCount = 0
	}
}

// Close marks any in-flight fetch result discardable and stops the
// controller from accepting late state.
func (tc *ThreadController) Close() {
	tc.open = false
}

// Messages returns the ordered list. Callers must not mutate entries.
func (tc *ThreadController) Messages() []*models.Message {
	out := make([]*models.Message, len(tc.messages))
	copy(out, tc.messages)
	return out
}

// Sections returns the display grouping of the current list.
func (tc *ThreadController) Sections() []DateSection {
	return GroupMessages(tc.messages)
}

// NewMessageCount is the "new messages" affordance shown while the user
// has scrolled up.
func (tc *ThreadController) NewMessageCount() int { return tc.newCount }

// HasMore reports whether older history may remain.
func (tc *ThreadController) HasMore() bool { return tc.hasMore }

// Loading reports whether a page fetch is outstanding.
func (tc *ThreadController) Loading() bool { return tc.loadingOlder }

// PageError returns the retryable error from the last failed fetch.
func (tc *ThreadController) PageError() error { return tc.pageErr }

// ConversationID identifies the thread.
func (tc *ThreadController) ConversationID() string { return tc.conversationID }

func (tc *ThreadController) insert(msg *models.Message) {
	if existing := tc.byID[msg.ID]; existing != nil {
		mergeMessage(existing, msg)
		return
	}

	m := msg.Clone()
	tc.byID[m.ID] = m

	i := sort.Search(len(tc.messages), func(i int) bool {
		return !tc.messages[i].Before(m)
	})
	tc.messages = append(tc.messages, nil)
	copy(tc.messages[i+1:], tc.messages[i:])
	tc.messages[i] = m
}

func (tc *ThreadController) remove(msg *models.Message) {
	for i, m := range tc.messages {
		if m == msg {
			tc.messages = append(tc.messages[:i], tc.messages[i+1:]...)
			return
		}
	}
}

func (tc *ThreadController) resort() {
	sort.SliceStable(tc.messages, func(i, j int) bool {
		return tc.messages[i].Before(tc.messages[j])
	})
}

// mergeMessage folds a duplicate delivery into the first-seen entry:
// original attributes win, newer edit/read/delete state is taken.
func mergeMessage(existing, incoming *models.Message) {
	if incoming.EditedAt != nil && (existing.EditedAt == nil || incoming.EditedAt.After(*existing.EditedAt)) {
		existing.EditedAt = incoming.EditedAt
		existing.Content = incoming.Content
	}
	if incoming.ReadAt != nil && existing.ReadAt == nil {
		existing.ReadAt = incoming.ReadAt
	}
	if incoming.Deleted && !existing.Deleted {
		existing.Deleted = true
		existing.Content = ""
		existing.Attachments = nil
		existing.Kind = models.KindSystem
	}
	if existing.DeliveryState == models.DeliveryPending && incoming.DeliveryState == models.DeliverySent {
		existing.DeliveryState = models.DeliverySent
	}
	if len(incoming.Reactions) > 0 {
		existing.Reactions = append([]models.Reaction(nil), incoming.Reactions...)
	}
}
