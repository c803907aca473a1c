package domain

import (
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// MaxChatMessageChars caps chat text length. Enforced server-side; clients
// that send more get the message rejected, not truncated.
const MaxChatMessageChars = 500

// ChatMessage is a room-scoped text message. Immutable once created; the ID
// exists for list rendering, not for deduplication.
type ChatMessage struct {
	ID         string
	SenderName string
	Text       string
	IsStreamer bool
	SentAt     time.Time
}

// NewChatMessage builds a message with a ULID id (millisecond timestamp plus
// random suffix, monotonic within a process).
func NewChatMessage(senderName, text string, isStreamer bool) *ChatMessage {
	now := time.Now()
	return &ChatMessage{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		SenderName: senderName,
		Text:       text,
		IsStreamer: isStreamer,
		SentAt:     now,
	}
}

// Validate checks the message against protocol limits.
func (m *ChatMessage) Validate() error {
	if m.Text == "" {
		return ErrEmptyChatMessage
	}
	if utf8.RuneCountInString(m.Text) > MaxChatMessageChars {
		return ErrChatMessageTooLong
	}
	return nil
}
