package service

import (
	"fmt"
	"sort"
	"strings"

	"coachchat/internal/constants"
	"coachchat/internal/models"

	"github.com/sirupsen/logrus"
)

// ConversationIndex is the single point of truth for cross-conversation
// aggregates: unread counts, sort order and last-message pointers. All
// mutation goes through ApplyIncoming/MarkRead on the runtime goroutine;
// no other component writes conversation aggregates directly.
type ConversationIndex struct {
	localUserID   string
	conversations map[string]*models.Conversation
	openID        string
	atBottom      bool
	seen          map[string]struct{}
	seenOrder     []string
	logger        *logrus.Logger
}

// seenMessageLimit bounds the duplicate-detection window. The channel
// redelivers within a short horizon, so a few thousand recent ids are
// enough to keep unread counters exact.
const seenMessageLimit = 4096

func NewConversationIndex(localUserID string, logger *logrus.Logger) *ConversationIndex {
	return &ConversationIndex{
		localUserID:   localUserID,
		conversations: make(map[string]*models.Conversation),
		seen:          make(map[string]struct{}),
		logger:        logger,
	}
}

// Load seeds the index from the store at startup.
func (ix *ConversationIndex) Load(convs []*models.Conversation) {
	for _, conv := range convs {
		ix.conversations[conv.ID] = conv
	}
	ix.logger.WithField(LogFieldCount, len(convs)).Info("Conversation index loaded")
}

// Get returns the conversation or nil.
func (ix *ConversationIndex) Get(id string) *models.Conversation {
	return ix.conversations[id]
}

// SetOpen records which conversation the user is looking at and whether
// the view is scrolled to the bottom. Opening marks the conversation read.
func (ix *ConversationIndex) SetOpen(id string, atBottom bool) {
	ix.openID = id
	ix.atBottom = atBottom
	if id != "" {
		ix.MarkRead(id)
	}
}

// IsOpen reports whether the given conversation is the open one.
func (ix *ConversationIndex) IsOpen(id string) bool {
	return id != "" && ix.openID == id
}

// markSeen records a message id and reports whether it is new. The seen
// window is a FIFO capped at seenMessageLimit entries.
func (ix *ConversationIndex) markSeen(id string) bool {
	if _, dup := ix.seen[id]; dup {
		return false
	}
	ix.seen[id] = struct{}{}
	ix.seenOrder = append(ix.seenOrder, id)
	if len(ix.seenOrder) > seenMessageLimit {
		delete(ix.seen, ix.seenOrder[0])
		ix.seenOrder = ix.seenOrder[1:]
	}
	return true
}

// ClearOpen is called when the conversation view is closed.
func (ix *ConversationIndex) ClearOpen(id string) {
	if ix.openID == id {
		ix.openID = ""
		ix.atBottom = false
	}
}

// SetViewportAtBottom updates the scroll signal for the open conversation.
func (ix *ConversationIndex) SetViewportAtBottom(atBottom bool) {
	ix.atBottom = atBottom
	if atBottom && ix.openID != "" {
		ix.MarkRead(ix.openID)
	}
}

// MarkRead resets the unread counter to zero. Idempotent.
func (ix *ConversationIndex) MarkRead(id string) {
	conv := ix.conversations[id]
	if conv == nil || conv.UnreadCount == 0 {
		return
	}
	conv.UnreadCount = 0
}

// SetArchived flips the archived flag.
func (ix *ConversationIndex) SetArchived(id string, archived bool) {
	if conv := ix.conversations[id]; conv != nil {
		conv.IsArchived = archived
	}
}

// ApplyIncoming updates conversation aggregates for a message from any
// source: optimistic local sends, store confirmations and inbound channel
// messages. A conversation is created on the first message between a
// participant set. The channel delivers at least once, so a message id
// that was already applied never increments the unread counter again.
func (ix *ConversationIndex) ApplyIncoming(msg *models.Message) {
	fresh := ix.markSeen(msg.ID)
	conv := ix.conversations[msg.ConversationID]
	if conv == nil {
		conv = &models.Conversation{
			ID:        msg.ConversationID,
			CreatedAt: msg.CreatedAt,
			Participants: []models.Participant{
				{UserID: ix.localUserID, DisplayName: ix.localUserID},
			},
		}
		if msg.SenderID != ix.localUserID {
			conv.Participants = append(conv.Participants, models.Participant{
				UserID: msg.SenderID, DisplayName: msg.SenderID,
			})
		}
		ix.conversations[conv.ID] = conv
		ix.logger.WithField(LogFieldConversationID, conv.ID).Info("Conversation created on first message")
	}

	ix.updateLastMessage(conv, msg)

	if msg.SenderID == ix.localUserID {
		return
	}
	if !fresh {
		ix.logger.WithFields(logrus.Fields{
			LogFieldConversationID: conv.ID,
			LogFieldMessageID:      msg.ID,
		}).Debug("Redelivered message, unread count unchanged")
		return
	}
	if ix.openID == conv.ID && ix.atBottom {
		// visible immediately, counts as read
		return
	}
	conv.UnreadCount++
}

// updateLastMessage keeps the last-message pointer and timestamp in step:
// both nil or both set, advancing under the (created_at, id) order.
func (ix *ConversationIndex) updateLastMessage(conv *models.Conversation, msg *models.Message) {
	if conv.LastMessage != nil && !conv.LastMessage.Before(msg) && conv.LastMessage.ID != msg.ID {
		return
	}
	m := msg.Clone()
	conv.LastMessage = m
	at := m.CreatedAt
	conv.LastMessageAt = &at
}

// ApplyConfirmed reconciles a confirmed send with the last-message
// pointer. If the pointer still holds the optimistic message under its
// temporary id, it is swapped for the confirmed one even when the server
// timestamp is earlier than the client estimate was.
func (ix *ConversationIndex) ApplyConfirmed(tempID string, msg *models.Message) {
	conv := ix.conversations[msg.ConversationID]
	if conv != nil && conv.LastMessage != nil && conv.LastMessage.ID == tempID {
		ix.markSeen(msg.ID)
		m := msg.Clone()
		conv.LastMessage = m
		at := m.CreatedAt
		conv.LastMessageAt = &at
		return
	}
	ix.ApplyIncoming(msg)
}

// TotalUnread sums unread counts across all conversations.
func (ix *ConversationIndex) TotalUnread() int {
	total := 0
	for _, conv := range ix.conversations {
		total += conv.UnreadCount
	}
	return total
}

// List returns conversations sorted descending by last activity,
// conversations without any message after all others. Filters and the
// search query compose with logical AND.
func (ix *ConversationIndex) List(filter models.ConversationFilter, query string) []*models.Conversation {
	query = strings.ToLower(strings.TrimSpace(query))
	if len(query) > constants.MaxSearchQueryLength {
		query = query[:constants.MaxSearchQueryLength]
	}

	var result []*models.Conversation
	for _, conv := range ix.conversations {
		if filter.UnreadOnly && conv.UnreadCount == 0 {
			continue
		}
		if filter.Archived != nil && conv.IsArchived != *filter.Archived {
			continue
		}
		if query != "" && !ix.matches(conv, query) {
			continue
		}
		result = append(result, conv)
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].LastMessageAt, result[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return result[i].ID < result[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		default:
			return result[i].ID < result[j].ID
		}
	})

	return result
}

// matches implements case-insensitive substring search over participant
// display names and the last message content.
func (ix *ConversationIndex) matches(conv *models.Conversation, query string) bool {
	for _, p := range conv.Participants {
		if strings.Contains(strings.ToLower(p.DisplayName), query) {
			return true
		}
	}
	if conv.LastMessage != nil && strings.Contains(strings.ToLower(conv.LastMessage.Content), query) {
		return true
	}
	return false
}

// UnreadBadge renders an unread count for display, clamping at "99+"
// while the underlying counter stays exact.
func UnreadBadge(count int) string {
	if count <= 0 {
		return ""
	}
	if count > constants.UnreadDisplayCap {
		return fmt.Sprintf("%d+", constants.UnreadDisplayCap)
	}
	return fmt.Sprintf("%d", count)
}
