package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostTokenIssueAndVerify(t *testing.T) {
	issuer := NewHostTokenIssuer("test-secret", time.Hour)

	token, err := issuer.Issue("demo-stream")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.NoError(t, issuer.Verify(token, "demo-stream"))
}

func TestHostTokenWrongStream(t *testing.T) {
	issuer := NewHostTokenIssuer("test-secret", time.Hour)

	token, err := issuer.Issue("demo-stream")
	require.NoError(t, err)

	assert.Error(t, issuer.Verify(token, "other-stream"))
}

func TestHostTokenExpired(t *testing.T) {
	issuer := NewHostTokenIssuer("test-secret", -time.Minute)

	token, err := issuer.Issue("demo-stream")
	require.NoError(t, err)

	assert.Error(t, issuer.Verify(token, "demo-stream"))
}

func TestHostTokenWrongSecret(t *testing.T) {
	issuer := NewHostTokenIssuer("test-secret", time.Hour)
	other := NewHostTokenIssuer("different-secret", time.Hour)

	token, err := issuer.Issue("demo-stream")
	require.NoError(t, err)

	assert.Error(t, other.Verify(token, "demo-stream"))
}

func TestHostTokenGarbage(t *testing.T) {
	issuer := NewHostTokenIssuer("test-secret", time.Hour)
	assert.Error(t, issuer.Verify("not-a-jwt", "demo-stream"))
	assert.Error(t, issuer.Verify("", "demo-stream"))
}
