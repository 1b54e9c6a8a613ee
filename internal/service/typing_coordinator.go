package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"coachchat/internal/models"

	"github.com/sirupsen/logrus"
)

// localTyping is the debounce state for one conversation the local user
// is composing in. The timer handle is owned here and cancelled on
// conversation close; it is never left to the garbage collector.
type localTyping struct {
	active bool
	timer  *time.Timer
}

// TypingCoordinator debounces local keystrokes into start/stop typing
// events and aggregates remote typing signals per conversation. All state
// mutation happens on the runtime goroutine; timer expiry re-enters
// through the post function.
type TypingCoordinator struct {
	publisher   TypingPublisher
	localUserID string
	debounce    time.Duration
	staleness   time.Duration
	post        func(func())
	logger      *logrus.Logger

	local  map[string]*localTyping
	remote map[string]map[string]models.TypingSignal
	now    func() time.Time
}

// NewTypingCoordinator creates a coordinator. post marshals timer
// callbacks back onto the event loop so mutation stays single-threaded.
func NewTypingCoordinator(publisher TypingPublisher, localUserID string, debounce, staleness time.Duration, post func(func()), logger *logrus.Logger) *TypingCoordinator {
	return &TypingCoordinator{
		publisher:   publisher,
		localUserID: localUserID,
		debounce:    debounce,
		staleness:   staleness,
		post:        post,
		logger:      logger,
		local:       make(map[string]*localTyping),
		remote:      make(map[string]map[string]models.TypingSignal),
		now:         time.Now,
	}
}

// OnInput records local keystroke activity. The first input emits a
// single typing-start event and arms the inactivity timer; inputs before
// expiry only reset the timer, so peers see exactly one start event.
func (t *TypingCoordinator) OnInput(ctx context.Context, conversationID string) {
	st := t.local[conversationID]
	if st == nil {
		st = &localTyping{}
		t.local[conversationID] = st
	}

	if st.active {
		st.timer.Reset(t.debounce)
		return
	}

	st.active = true
	st.timer = time.AfterFunc(t.debounce, func() {
		t.post(func() { t.expire(ctx, conversationID) })
	})
	t.publish(ctx, conversationID, true)
}

// OnSubmit stops the local typing signal; a sent message implies typing
// has stopped.
func (t *TypingCoordinator) OnSubmit(ctx context.Context, conversationID string) {
	t.stopLocal(ctx, conversationID)
}

// OnBlurClear stops the local typing signal when the composer loses focus.
func (t *TypingCoordinator) OnBlurClear(ctx context.Context, conversationID string) {
	t.stopLocal(ctx, conversationID)
}

// CloseConversation cancels the debounce timer for a conversation being
// closed and clears the signal for peers.
func (t *TypingCoordinator) CloseConversation(ctx context.Context, conversationID string) {
	t.stopLocal(ctx, conversationID)
	delete(t.local, conversationID)
	delete(t.remote, conversationID)
}

func (t *TypingCoordinator) expire(ctx context.Context, conversationID string) {
	st := t.local[conversationID]
	if st == nil || !st.active {
		return
	}
	st.active = false
	t.publish(ctx, conversationID, false)
}

func (t *TypingCoordinator) stopLocal(ctx context.Context, conversationID string) {
	st := t.local[conversationID]
	if st == nil || !st.active {
		return
	}
	st.active = false
	st.timer.Stop()
	t.publish(ctx, conversationID, false)
}

// publish is best-effort: a lost typing event is covered by the remote
// staleness bound and must never block composing or sending.
func (t *TypingCoordinator) publish(ctx context.Context, conversationID string, isTyping bool) {
	go func() {
		if err := t.publisher.PublishTyping(ctx, conversationID, isTyping); err != nil {
			t.logger.WithError(err).WithFields(logrus.Fields{
				LogFieldConversationID: conversationID,
				"is_typing":            isTyping,
			}).Debug("Failed to publish typing signal")
		}
	}()
}

// OnRemoteSignal applies a peer's typing signal, most recent wins per
// (conversation, user). Signals from the local user are ignored.
func (t *TypingCoordinator) OnRemoteSignal(sig models.TypingSignal) {
	if sig.UserID == t.localUserID {
		return
	}

	byUser := t.remote[sig.ConversationID]
	if byUser == nil {
		byUser = make(map[string]models.TypingSignal)
		t.remote[sig.ConversationID] = byUser
	}

	if prev, ok := byUser[sig.UserID]; ok && sig.UpdatedAt.Before(prev.UpdatedAt) {
		return // out-of-order stale signal must not resurrect an indicator
	}

	if sig.IsTyping {
		byUser[sig.UserID] = sig
	} else {
		delete(byUser, sig.UserID)
	}
}

// ActiveTypists returns the user ids currently typing in a conversation,
// dropping signals past the staleness bound. The bound is the safety net
// for lost stop events.
func (t *TypingCoordinator) ActiveTypists(conversationID string, now time.Time) []string {
	byUser := t.remote[conversationID]
	if len(byUser) == 0 {
		return nil
	}

	var users []string
	for id, sig := range byUser {
		if sig.Active(now, t.staleness) {
			users = append(users, id)
		} else {
			delete(byUser, id)
		}
	}
	sort.Strings(users)
	return users
}

// IndicatorText renders the typing indicator line for a conversation.
// nameOf resolves user ids to display names.
func (t *TypingCoordinator) IndicatorText(conversationID string, now time.Time, nameOf func(string) string) string {
	users := t.ActiveTypists(conversationID, now)
	switch len(users) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", nameOf(users[0]))
	case 2:
		return fmt.Sprintf("%s and %s are typing…", nameOf(users[0]), nameOf(users[1]))
	default:
		return fmt.Sprintf("%s and %d others are typing…", nameOf(users[0]), len(users)-1)
	}
}
