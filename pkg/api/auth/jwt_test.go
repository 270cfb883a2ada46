package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndValidate(t *testing.T) {
	svc, err := NewService(testSecret, time.Hour)
	require.NoError(t, err)

	tok, err := svc.IssueAdminToken("admin")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, int64(3600), tok.ExpiresIn)

	claims, err := svc.Validate(tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, "admin", claims.Role)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewService("short", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidSecretLength)
}

func TestWrongSecretRejected(t *testing.T) {
	svc, err := NewService(testSecret, time.Hour)
	require.NoError(t, err)
	other, err := NewService("fedcba9876543210fedcba9876543210", time.Hour)
	require.NoError(t, err)

	tok, err := svc.IssueAdminToken("admin")
	require.NoError(t, err)

	_, err = other.Validate(tok.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	svc, err := NewService(testSecret, time.Hour)
	require.NoError(t, err)
	svc.ttl = -time.Minute

	tok, err := svc.IssueAdminToken("admin")
	require.NoError(t, err)

	_, err = svc.Validate(tok.AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.NoError(t, VerifyPassword(hash, "hunter2"))
	assert.Error(t, VerifyPassword(hash, "hunter3"))
}
