package models

import "time"

// TypingSignal is an ephemeral indicator that a user is composing in a
// conversation. A signal whose UpdatedAt is older than the staleness
// window is treated as IsTyping=false regardless of its payload.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Active reports whether the signal still counts as typing at now.
func (s TypingSignal) Active(now time.Time, staleness time.Duration) bool {
	if !s.IsTyping {
		return false
	}
	return now.Sub(s.UpdatedAt) < staleness
}
