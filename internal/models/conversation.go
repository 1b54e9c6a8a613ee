package models

import "time"

// Participant is a conversation member as the index needs it: identity
// plus the display name search matches against.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Conversation is a participant set plus its aggregate state. LastMessage
// and LastMessageAt are nil together; UnreadCount is client-computed and
// only resets when the conversation is opened or marked read.
type Conversation struct {
	ID            string        `json:"id"`
	Participants  []Participant `json:"participants"`
	LastMessage   *Message      `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`
	UnreadCount   int           `json:"unreadCount"`
	IsArchived    bool          `json:"isArchived"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// ParticipantName returns the display name for a member, falling back to
// the raw user id for unknown senders.
func (c *Conversation) ParticipantName(userID string) string {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p.DisplayName
		}
	}
	return userID
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		out.LastMessage = c.LastMessage.Clone()
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	return &out
}

// ConversationFilter narrows the index listing. Filters compose with the
// search query using logical AND.
type ConversationFilter struct {
	UnreadOnly bool  `json:"unreadOnly"`
	Archived   *bool `json:"archived,omitempty"`
}
