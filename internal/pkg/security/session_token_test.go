package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIssueAndVerify(t *testing.T) {
	s, err := NewSessionIssuer("s3cret", time.Minute)
	require.NoError(t, err)

	token, issued, err := s.Issue("acc-1", "a@x.com", []string{"prompts"}, false)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", issued.Subject)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, []string{"prompts"}, claims.Entitlements)
	assert.False(t, claims.Operator)
}

func TestSessionRefreshDoesNotRevokeOldToken(t *testing.T) {
	s, err := NewSessionIssuer("s3cret", time.Minute)
	require.NoError(t, err)

	old, _, err := s.Issue("acc-1", "a@x.com", nil, false)
	require.NoError(t, err)
	fresh, claims, err := s.Issue("acc-1", "a@x.com", []string{"prompts"}, false)
	require.NoError(t, err)
	assert.NotEqual(t, old, fresh)
	assert.Equal(t, []string{"prompts"}, claims.Entitlements)

	oldClaims, err := s.Verify(old)
	require.NoError(t, err)
	assert.Empty(t, oldClaims.Entitlements)
}

func TestSessionVerifyRejects(t *testing.T) {
	s, err := NewSessionIssuer("s3cret", time.Minute)
	require.NoError(t, err)
	other, err := NewSessionIssuer("different", time.Minute)
	require.NoError(t, err)

	token, _, err := other.Issue("acc-1", "a@x.com", nil, false)
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionExpiry(t *testing.T) {
	s, err := NewSessionIssuer("s3cret", time.Minute)
	require.NoError(t, err)
	base := time.Now()
	s.now = func() time.Time { return base }

	token, _, err := s.Issue("acc-1", "a@x.com", nil, false)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestNewSessionIssuerRequiresSecret(t *testing.T) {
	_, err := NewSessionIssuer("  ", time.Minute)
	assert.ErrorIs(t, err, ErrMissingSecret)

	s, err := NewSessionIssuer("x", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTTL, s.TTL())
}
