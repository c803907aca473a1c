package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStreamIDShape(t *testing.T) {
	id := NewStreamID()
	assert.NotEmpty(t, id)
	for _, r := range id {
		assert.Contains(t, idAlphabet, string(r))
	}
}

func TestNewStreamIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewStreamID()
		assert.False(t, seen[id], "duplicate id %q", id)
		seen[id] = true
	}
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "alice", SanitizeName("  alice  "))
	assert.Equal(t, "alice", SanitizeName("al\x00ice"))
	assert.Equal(t, "ab", SanitizeName("a\tb"))
	assert.Equal(t, "", SanitizeName("\x01\x02"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", TruncateRunes("abcdef", 3))
	assert.Equal(t, "abc", TruncateRunes("abc", 10))
	assert.Equal(t, "", TruncateRunes("abc", 0))
	assert.Equal(t, "éé", TruncateRunes("ééé", 2))
}
