package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	MaxIDLength     = 100
	MaxTitleLength  = 120
	MaxNameLength   = 64
	MaxAvatarLength = 2048
)

var (
	// StreamIDRegex validates stream ID format
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// ParticipantIDRegex allows the characters identity providers put in subjects.
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@:-]+$`)
)

// ValidateStreamID validates stream ID
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream ID is required")
	}
	if len(streamID) > MaxIDLength {
		return fmt.Errorf("stream ID is too long (max %d characters)", MaxIDLength)
	}
	if !StreamIDRegex.MatchString(streamID) {
		return fmt.Errorf("invalid stream ID format")
	}
	return nil
}

// ValidateParticipantID validates participant ID
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("participant ID is too long (max %d characters)", MaxIDLength)
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateTitle validates a stream title after sanitizing.
func ValidateTitle(title string) error {
	title = Sanitize(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	return ValidateStringLength(title, 1, MaxTitleLength, "title")
}

// ValidateDisplayName validates an optional participant display name.
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("name contains invalid characters")
	}
	return ValidateStringLength(name, 0, MaxNameLength, "name")
}

// ValidateAvatarURL validates an optional avatar URL.
func ValidateAvatarURL(avatar string) error {
	if avatar == "" {
		return nil
	}
	if len(avatar) > MaxAvatarLength {
		return fmt.Errorf("avatar URL is too long (max %d characters)", MaxAvatarLength)
	}
	u, err := url.Parse(avatar)
	if err != nil {
		return fmt.Errorf("invalid avatar URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid avatar URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("avatar URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

// Sanitize drops control characters other than tab and newline and trims
// surrounding whitespace.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
