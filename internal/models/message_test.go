package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPendingID(t *testing.T) {
	assert.True(t, IsPendingID("tmp-123"))
	assert.False(t, IsPendingID("msg-123"))
	assert.False(t, IsPendingID(""))
}

func TestMessageBefore(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	earlier := &Message{ID: "msg-b", CreatedAt: base}
	later := &Message{ID: "msg-a", CreatedAt: base.Add(time.Second)}
	assert.True(t, earlier.Before(later))
	assert.False(t, later.Before(earlier))

	// Equal timestamps break the tie on id.
	a := &Message{ID: "msg-a", CreatedAt: base}
	b := &Message{ID: "msg-b", CreatedAt: base}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.False(t, a.Before(a))
}

func TestMessageClone(t *testing.T) {
	edited := time.Now()
	original := &Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "coach-1",
		Content:        "hello",
		Kind:           KindText,
		Attachments:    []Attachment{{URL: "u", Name: "n", Size: 1}},
		Reactions:      []Reaction{{UserID: "client-1", Emoji: "👍"}},
		CreatedAt:      time.Now(),
		EditedAt:       &edited,
		DeliveryState:  DeliverySent,
	}

	clone := original.Clone()
	require.NotSame(t, original, clone)
	assert.Equal(t, original.ID, clone.ID)

	clone.Attachments[0].Name = "changed"
	clone.Reactions[0].Emoji = "❤️"
	*clone.EditedAt = edited.Add(time.Hour)

	assert.Equal(t, "n", original.Attachments[0].Name)
	assert.Equal(t, "👍", original.Reactions[0].Emoji)
	assert.True(t, original.EditedAt.Equal(edited))
}

func TestConversationParticipantName(t *testing.T) {
	conv := &Conversation{
		ID: "conv-1",
		Participants: []Participant{
			{UserID: "coach-1", DisplayName: "Dana"},
			{UserID: "client-1", DisplayName: "Sam"},
		},
	}

	assert.Equal(t, "Dana", conv.ParticipantName("coach-1"))
	assert.Equal(t, "Sam", conv.ParticipantName("client-1"))
	assert.Equal(t, "stranger-1", conv.ParticipantName("stranger-1"))
}

func TestTypingSignalActive(t *testing.T) {
	now := time.Now()
	staleness := 6 * time.Second

	fresh := TypingSignal{IsTyping: true, UpdatedAt: now.Add(-time.Second)}
	assert.True(t, fresh.Active(now, staleness))

	stale := TypingSignal{IsTyping: true, UpdatedAt: now.Add(-7 * time.Second)}
	assert.False(t, stale.Active(now, staleness))

	atBound := TypingSignal{IsTyping: true, UpdatedAt: now.Add(-staleness)}
	assert.False(t, atBound.Active(now, staleness))

	stopped := TypingSignal{IsTyping: false, UpdatedAt: now}
	assert.False(t, stopped.Active(now, staleness))
}
