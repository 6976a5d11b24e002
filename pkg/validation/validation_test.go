package validation

import (
	"strings"
	"testing"
)

func TestValidateStreamID(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		wantErr  bool
	}{
		{"ulid", "01HQ3Z8N5Y6K2V7W9X0A1B2C3D", false},
		{"with dash", "stream-1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"slash", "a/b", true},
		{"space", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStreamID(tt.streamID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateStreamID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "alice", false},
		{"email subject", "alice@example.com", false},
		{"oidc subject", "auth0:12345", false},
		{"empty", "", true},
		{"space", "alice smith", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateTitle(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		wantErr bool
	}{
		{"plain", "Friday night set", false},
		{"unicode", "Концерт 🎸", false},
		{"blank", "   ", true},
		{"only control chars", "\x00\x01", true},
		{"at limit", strings.Repeat("я", MaxTitleLength), false},
		{"over limit", strings.Repeat("я", MaxTitleLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTitle(tt.title)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTitle() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAvatarURL(t *testing.T) {
	tests := []struct {
		name    string
		avatar  string
		wantErr bool
	}{
		{"empty is allowed", "", false},
		{"https", "https://cdn.example.com/a.png", false},
		{"javascript scheme", "javascript:alert(1)", true},
		{"no host", "https:///a.png", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAvatarURL(tt.avatar)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAvatarURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	if err := ValidateDisplayName(""); err != nil {
		t.Errorf("empty name should be allowed, got %v", err)
	}
	if err := ValidateDisplayName(strings.Repeat("x", MaxNameLength+1)); err == nil {
		t.Error("expected error for long name")
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "hello\nworld"},
		{"carriage return dropped", "hello\r\nworld", "hello\nworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
