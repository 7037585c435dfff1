package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		wantErr   bool
		errMsg    string
	}{
		// Valid cases
		{
			name:      "valid uuid",
			sessionID: "f736da47-b2ca-4f86-bb32-a1bbe582e464",
			wantErr:   false,
		},
		{
			name:      "valid with special characters",
			sessionID: "session-2026.01.25_test@123",
			wantErr:   false,
		},
		// Invalid cases
		{
			name:      "empty session ID",
			sessionID: "",
			wantErr:   true,
			errMsg:    "session ID cannot be empty",
		},
		{
			name:      "forward slash",
			sessionID: "session/123",
			wantErr:   true,
			errMsg:    "contains path separators",
		},
		{
			name:      "backslash",
			sessionID: "session\\123",
			wantErr:   true,
			errMsg:    "contains path separators",
		},
		{
			name:      "space",
			sessionID: "session 123",
			wantErr:   true,
			errMsg:    "whitespace or control characters",
		},
		{
			name:      "newline would break the trailer block",
			sessionID: "abc\nClaude-session-id: other",
			wantErr:   true,
			errMsg:    "whitespace or control characters",
		},
		{
			name:      "NUL byte",
			sessionID: "abc\x00def",
			wantErr:   true,
			errMsg:    "whitespace or control characters",
		},
		{
			name:      "too long",
			sessionID: strings.Repeat("a", maxSessionIDLen+1),
			wantErr:   true,
			errMsg:    "longer than",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.sessionID)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ValidateSessionID(%q) expected error, got nil", tt.sessionID)
					return
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateSessionID(%q) error = %q, want error containing %q", tt.sessionID, err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateSessionID(%q) unexpected error: %v", tt.sessionID, err)
			}
		})
	}
}

func TestValidateToolName(t *testing.T) {
	valid := []string{"", "Edit", "MultiEdit", "mcp__github__create_issue", "NotebookEdit"}
	for _, name := range valid {
		if err := ValidateToolName(name); err != nil {
			t.Errorf("ValidateToolName(%q) unexpected error: %v", name, err)
		}
	}

	invalid := []string{"Edit; rm -rf", "tool name", "../Edit"}
	for _, name := range invalid {
		if err := ValidateToolName(name); err == nil {
			t.Errorf("ValidateToolName(%q) expected error, got nil", name)
		}
	}
}

func TestValidateRevision(t *testing.T) {
	tests := []struct {
		rev     string
		wantErr bool
	}{
		{"@", false},
		{"@-", false},
		{"kxqyrlvs", false},
		{"description(substring:\"x\")", false},
		{"", true},
		{"   ", true},
		{"--config=ui.editor=evil", true},
		{"abc\x00", true},
	}
	for _, tt := range tests {
		err := ValidateRevision(tt.rev)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRevision(%q) error = %v, wantErr %v", tt.rev, err, tt.wantErr)
		}
	}
}
