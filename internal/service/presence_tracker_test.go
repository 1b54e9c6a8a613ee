package service

import (
	"testing"
	"time"

	"coachchat/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestPresenceDisplay(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		record   models.PresenceRecord
		expected string
	}{
		{
			name:     "online",
			record:   models.PresenceRecord{UserID: "u1", IsOnline: true},
			expected: "online",
		},
		{
			name:     "online ignores stale last seen",
			record:   models.PresenceRecord{UserID: "u1", IsOnline: true, LastSeen: now.Add(-48 * time.Hour)},
			expected: "online",
		},
		{
			name:     "offline without last seen",
			record:   models.PresenceRecord{UserID: "u1"},
			expected: "offline",
		},
		{
			name:     "just now",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: now.Add(-30 * time.Second)},
			expected: "just now",
		},
		{
			name:     "single minute",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: now.Add(-90 * time.Second)},
			expected: "1 minute ago",
		},
		{
			name:     "minutes",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: now.Add(-25 * time.Minute)},
			expected: "25 minutes ago",
		},
		{
			name:     "single hour",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: now.Add(-75 * time.Minute)},
			expected: "1 hour ago",
		},
		{
			name:     "hours",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: now.Add(-6 * time.Hour)},
			expected: "6 hours ago",
		},
		{
			name:     "single day",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: now.Add(-30 * time.Hour)},
			expected: "1 day ago",
		},
		{
			name:     "days",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: now.Add(-3 * 24 * time.Hour)},
			expected: "3 days ago",
		},
		{
			name:     "older than a week shows the date",
			record:   models.PresenceRecord{UserID: "u1", LastSeen: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)},
			expected: "Feb 10, 2026",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PresenceDisplay(tt.record, now))
		})
	}
}
