package privacy

import (
	"strings"

	"coachchat/internal/constants"
)

// User ids on the platform identify real coaching clients, so log output
// only ever carries masked forms. Message bodies never reach logs at all;
// callers log ContentSummary instead.

// MaskUserID keeps the tail of a user id for correlation.
// Example: "client-sam-1a2b" -> "***1a2b"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	if len(userID) > constants.DefaultUserIDMaskLength {
		return "***" + userID[len(userID)-constants.DefaultUserIDMaskLength:]
	}
	return "***"
}

// MaskMessageID keeps the head of a message id, which is enough to match
// against store rows without reproducing the full id everywhere.
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	if len(messageID) > constants.DefaultMessageIDLogLen {
		return messageID[:constants.DefaultMessageIDLogLen] + "..."
	}
	return messageID
}

// MaskDisplayName keeps the first rune of a participant name.
// Example: "Sam Porter" -> "S***"
func MaskDisplayName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	return string(runes[0]) + "***"
}

// ContentSummary describes a message body without reproducing it.
type ContentSummary struct {
	Length      int  `json:"length"`
	Attachments int  `json:"attachments"`
	HasText     bool `json:"hasText"`
}

// SummarizeContent is the only form in which message content may be
// logged.
func SummarizeContent(content string, attachmentCount int) ContentSummary {
	return ContentSummary{
		Length:      len(content),
		Attachments: attachmentCount,
		HasText:     strings.TrimSpace(content) != "",
	}
}
