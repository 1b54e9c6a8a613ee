package service

import (
	"time"

	"coachchat/internal/constants"
	"coachchat/internal/models"
)

// GroupWindow is the maximum gap between a message and the start of its
// group for the two to merge.
const GroupWindow = constants.MessageGroupWindowMs * time.Millisecond

// MessageGroup is a run of consecutive messages from one sender. Only the
// first message in a group shows sender identity and only the last shows
// the timestamp and read receipt.
type MessageGroup struct {
	SenderID  string            `json:"senderId"`
	Timestamp time.Time         `json:"timestamp"`
	Messages  []*models.Message `json:"messages"`
}

// Last returns the message carrying the group's receipt marker.
func (g *MessageGroup) Last() *models.Message {
	if len(g.Messages) == 0 {
		return nil
	}
	return g.Messages[len(g.Messages)-1]
}

// DateSection is one local calendar day of groups. Section boundaries
// always start a new group even when the time window would merge.
type DateSection struct {
	Date   time.Time      `json:"date"`
	Groups []MessageGroup `json:"groups"`
}

// GroupMessages partitions an already ordered message list into date
// sections and sender groups. A message joins the previous group iff it
// has the same sender, falls on the same local calendar date, and its
// created_at is less than GroupWindow after the group's first message.
// Delivery state transitions do not affect group membership.
func GroupMessages(messages []*models.Message) []DateSection {
	var sections []DateSection

	for _, msg := range messages {
		day := localDate(msg.CreatedAt)

		if len(sections) == 0 || !sections[len(sections)-1].Date.Equal(day) {
			sections = append(sections, DateSection{Date: day})
		}
		section := &sections[len(sections)-1]

		if n := len(section.Groups); n > 0 {
			group := &section.Groups[n-1]
			if group.SenderID == msg.SenderID && msg.CreatedAt.Sub(group.Timestamp) < GroupWindow {
				group.Messages = append(group.Messages, msg)
				continue
			}
		}

		section.Groups = append(section.Groups, MessageGroup{
			SenderID:  msg.SenderID,
			Timestamp: msg.CreatedAt,
			Messages:  []*models.Message{msg},
		})
	}

	return sections
}

func localDate(t time.Time) time.Time {
	local := t.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}
