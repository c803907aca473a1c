package signal

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pdfcast/internal/core/domain"
)

// HostTokenIssuer signs and verifies host re-registration tokens. A token
// proves the bearer registered the stream id it names, so a reconnecting
// host can reclaim an active session instead of being rejected.
type HostTokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

type hostClaims struct {
	StreamID string `json:"sid"`
	jwt.RegisteredClaims
}

func NewHostTokenIssuer(secret string, ttl time.Duration) *HostTokenIssuer {
	return &HostTokenIssuer{secret: []byte(secret), ttl: ttl}
}

func (i *HostTokenIssuer) Issue(streamID domain.StreamID) (string, error) {
	now := time.Now()
	claims := hostClaims{
		StreamID: string(streamID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "pdfcast-signal",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign host token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, expiry and that the token names streamID.
func (i *HostTokenIssuer) Verify(tokenString string, streamID domain.StreamID) error {
	var claims hostClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid host token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid host token")
	}
	if claims.StreamID != string(streamID) {
		return fmt.Errorf("host token is for a different stream")
	}
	return nil
}
