package security

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateSessionID(t *testing.T) {
	id1 := GenerateSessionID()
	id2 := GenerateSessionID()

	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("GenerateSessionID() = %q, not a UUID: %v", id1, err)
	}
	if id1 == id2 {
		t.Error("Generated session IDs should be unique")
	}
	if err := ValidateSessionID(id1); err != nil {
		t.Errorf("generated ID rejected: %v", err)
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid simple", "slack-main", false},
		{"valid with underscore", "codex_tab_1", false},
		{"valid UUID", "550e8400-e29b-41d4-a716-446655440000", false},

		{"empty", "", true},
		{"too short", "abc", true},
		{"too long", strings.Repeat("a", MaxSessionIDLength+1), true},
		{"contains space", "my session", true},
		{"contains slash", "my/session", true},
		{"contains dot", "my.session", true},
		{"path traversal", "../etc/passwd", true},
		{"script injection", "<script>alert(1)</script>", true},
		{"proto pollution", "__proto__", true},
		{"constructor", "Constructor", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSessionID(%q) = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSessionID) {
				t.Errorf("error %v does not wrap ErrInvalidSessionID", err)
			}
		})
	}
}
