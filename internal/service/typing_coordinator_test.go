package service

import (
	"context"
	"testing"
	"time"

	"coachchat/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, debounce, staleness time.Duration) (*TypingCoordinator, *fakePublisher, chan func()) {
	t.Helper()

	pub := &fakePublisher{}
	posted := make(chan func(), 16)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	tc := NewTypingCoordinator(pub, "coach-1", debounce, staleness, func(fn func()) { posted <- fn }, logger)
	return tc, pub, posted
}

func runPosted(t *testing.T, posted chan func(), within time.Duration) {
	t.Helper()
	select {
	case fn := <-posted:
		fn()
	case <-time.After(within):
		t.Fatal("expected a posted callback")
	}
}

func TestOnInput_BurstEmitsSingleStart(t *testing.T) {
	tc, pub, posted := newTestCoordinator(t, 60*time.Millisecond, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tc.OnInput(ctx, "conv-1")
		time.Sleep(10 * time.Millisecond)
	}

	// Inactivity expiry re-enters through post.
	runPosted(t, posted, time.Second)

	require.Eventually(t, func() bool {
		return len(pub.published()) == 2
	}, time.Second, 5*time.Millisecond)

	events := pub.published()
	assert.Equal(t, typingEvent{conversationID: "conv-1", isTyping: true}, events[0])
	assert.Equal(t, typingEvent{conversationID: "conv-1", isTyping: false}, events[1])
}

func TestOnSubmit_StopsBeforeExpiry(t *testing.T) {
	tc, pub, posted := newTestCoordinator(t, time.Hour, time.Second)
	ctx := context.Background()

	tc.OnInput(ctx, "conv-1")
	tc.OnSubmit(ctx, "conv-1")

	require.Eventually(t, func() bool {
		return len(pub.published()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, pub.published()[1].isTyping)

	// Timer was stopped, nothing re-enters the loop afterwards.
	select {
	case <-posted:
		t.Fatal("debounce timer fired after submit")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStop_WithoutInputIsNoop(t *testing.T) {
	tc, pub, _ := newTestCoordinator(t, time.Hour, time.Second)
	ctx := context.Background()

	tc.OnSubmit(ctx, "conv-1")
	tc.OnBlurClear(ctx, "conv-1")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, pub.published())
}

func TestOnInput_RestartAfterStop(t *testing.T) {
	tc, pub, _ := newTestCoordinator(t, time.Hour, time.Second)
	ctx := context.Background()

	tc.OnInput(ctx, "conv-1")
	tc.OnSubmit(ctx, "conv-1")
	tc.OnInput(ctx, "conv-1")

	require.Eventually(t, func() bool {
		return len(pub.published()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.True(t, pub.published()[2].isTyping)
}

func TestOnRemoteSignal_IgnoresLocalUser(t *testing.T) {
	tc, _, _ := newTestCoordinator(t, time.Hour, time.Second)
	now := time.Now()

	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "coach-1", IsTyping: true, UpdatedAt: now})
	assert.Empty(t, tc.ActiveTypists("conv-1", now))
}

func TestOnRemoteSignal_OutOfOrderStaleRejected(t *testing.T) {
	tc, _, _ := newTestCoordinator(t, time.Hour, time.Minute)
	now := time.Now()

	// Stop arrives, then the older start it superseded arrives late.
	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-1", IsTyping: true, UpdatedAt: now.Add(-2 * time.Second)})
	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-1", IsTyping: false, UpdatedAt: now})
	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-1", IsTyping: true, UpdatedAt: now.Add(-time.Second)})

	assert.Empty(t, tc.ActiveTypists("conv-1", now))
}

func TestActiveTypists_PrunesStaleAndSorts(t *testing.T) {
	tc, _, _ := newTestCoordinator(t, time.Hour, 6*time.Second)
	now := time.Now()

	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-2", IsTyping: true, UpdatedAt: now.Add(-time.Second)})
	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-1", IsTyping: true, UpdatedAt: now.Add(-2 * time.Second)})
	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-3", IsTyping: true, UpdatedAt: now.Add(-10 * time.Second)})

	// client-3's lost stop event is covered by the staleness bound.
	assert.Equal(t, []string{"client-1", "client-2"}, tc.ActiveTypists("conv-1", now))
}

func TestIndicatorText(t *testing.T) {
	tc, _, _ := newTestCoordinator(t, time.Hour, time.Minute)
	now := time.Now()
	nameOf := func(id string) string {
		return map[string]string{"client-1": "Sam", "client-2": "Alex", "client-3": "Riley"}[id]
	}

	assert.Equal(t, "", tc.IndicatorText("conv-1", now, nameOf))

	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-1", IsTyping: true, UpdatedAt: now})
	assert.Equal(t, "Sam is typing…", tc.IndicatorText("conv-1", now, nameOf))

	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-2", IsTyping: true, UpdatedAt: now})
	assert.Equal(t, "Sam and Alex are typing…", tc.IndicatorText("conv-1", now, nameOf))

	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-3", IsTyping: true, UpdatedAt: now})
	assert.Equal(t, "Sam and 2 others are typing…", tc.IndicatorText("conv-1", now, nameOf))
}

func TestCloseConversation_ClearsState(t *testing.T) {
	tc, pub, _ := newTestCoordinator(t, time.Hour, time.Minute)
	ctx := context.Background()
	now := time.Now()

	tc.OnInput(ctx, "conv-1")
	tc.OnRemoteSignal(models.TypingSignal{ConversationID: "conv-1", UserID: "client-1", IsTyping: true, UpdatedAt: now})

	tc.CloseConversation(ctx, "conv-1")

	assert.Empty(t, tc.ActiveTypists("conv-1", now))
	require.Eventually(t, func() bool {
		events := pub.published()
		return len(events) == 2 && !events[1].isTyping
	}, time.Second, 5*time.Millisecond)
}
