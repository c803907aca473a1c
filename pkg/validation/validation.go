package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// StreamIDRegex matches the id shape clients generate: URL-safe,
	// no spaces, usable directly in a share link.
	StreamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	maxStreamIDLength   = 100
	maxSenderNameLength = 50
)

// ValidateStreamID checks a stream id against the wire format rules.
func ValidateStreamID(id string) error {
	if id == "" {
		return fmt.Errorf("stream id is required")
	}
	if len(id) > maxStreamIDLength {
		return fmt.Errorf("stream id is too long (max %d characters)", maxStreamIDLength)
	}
	if !StreamIDRegex.MatchString(id) {
		return fmt.Errorf("stream id contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateSenderName checks a chat display name.
func ValidateSenderName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("sender name is required")
	}
	if utf8.RuneCountInString(name) > maxSenderNameLength {
		return fmt.Errorf("sender name is too long (max %d characters)", maxSenderNameLength)
	}
	return nil
}
