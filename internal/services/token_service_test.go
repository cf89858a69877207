package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_IssueAndVerify(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, expiresAt, err := svc.Issue("alice", "cli-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "cli-1", claims.ClientID)
	assert.NotEmpty(t, claims.TokenID)
}

func TestTokenService_GeneratesClientID(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, _, err := svc.Issue("alice", "")
	require.NoError(t, err)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.ClientID)
}

func TestTokenService_Rejects(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	other, _, err := NewTokenService("other", time.Hour).Issue("alice", "")
	require.NoError(t, err)
	expired, _, err := NewTokenService("secret", -time.Minute).Issue("alice", "")
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": other,
		"expired":      expired,
		"garbage":      "not-a-token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.VerifyToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
