package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "absolute path", path: "/var/lib/coachchat/messages.db", wantErr: false},
		{name: "relative path", path: "data/messages.db", wantErr: false},
		{name: "empty", path: "", wantErr: true},
		{name: "nul byte", path: "messages\x00.db", wantErr: true},
		{name: "traversal", path: "../../etc/passwd", wantErr: true},
		{name: "traversal that cleans away", path: "data/sub/../messages.db", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDatabasePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithBase(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		base    string
		wantErr bool
	}{
		{name: "inside base", path: "attachments/a.png", base: "/var/lib/coachchat", wantErr: false},
		{name: "escapes via traversal", path: "../outside", base: "/var/lib/coachchat", wantErr: true},
		{name: "absolute rejected", path: "/etc/passwd", base: "/var/lib/coachchat", wantErr: true},
		{name: "sibling prefix does not match", path: "../coachchat-evil/x", base: "/var/lib/coachchat", wantErr: true},
		{name: "empty", path: "", base: "/var/lib/coachchat", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithBase(tt.path, tt.base)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
