package utils

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"time"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewStreamID generates a URL-safe stream identifier: the current time in
// base-36 followed by a random suffix. Unguessable enough to serve as a
// capability token, short enough to paste into a link.
func NewStreamID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + randomSuffix(10)
}

// NewChatSuffix generates the random portion of client-side fallback ids.
func NewChatSuffix() string {
	return randomSuffix(6)
}

func randomSuffix(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(idAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure means the process is in serious trouble;
			// fall back to a time-derived byte rather than panicking.
			out[i] = idAlphabet[time.Now().UnixNano()%int64(len(idAlphabet))]
			continue
		}
		out[i] = idAlphabet[idx.Int64()]
	}
	return string(out)
}
