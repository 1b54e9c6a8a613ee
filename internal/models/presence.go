package models

import "time"

// PresenceRecord is a user's online state as pushed by the presence
// channel. LastSeen is required when offline and may be stale while
// online; records are never created locally.
type PresenceRecord struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}
