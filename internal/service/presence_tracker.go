package service

import (
	"fmt"
	"time"

	"coachchat/internal/models"
)

// PresenceDisplay maps a presence record and the current time to the
// string shown next to a participant. The function is total: a record
// that is online with a zero LastSeen is still "online", and an offline
// record with no LastSeen degrades to "offline".
func PresenceDisplay(rec models.PresenceRecord, now time.Time) string {
	if rec.IsOnline {
		return "online"
	}
	if rec.LastSeen.IsZero() {
		return "offline"
	}

	elapsed := now.Sub(rec.LastSeen)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		n := int(elapsed.Minutes())
		if n == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", n)
	case elapsed < 24*time.Hour:
		n := int(elapsed.Hours())
		if n == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", n)
	case elapsed < 7*24*time.Hour:
		n := int(elapsed.Hours() / 24)
		if n == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", n)
	default:
		return rec.LastSeen.Format("Jan 2, 2006")
	}
}
