package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseJWT(t *testing.T) {
	secret := "test-secret"
	userID := uuid.New()

	token, err := GenerateJWT(secret, userID, "support", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseJWT(secret, token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "support", claims.Role)
	assert.Equal(t, "nexuspay", claims.Issuer)
}

func TestParseJWT_WrongSecret(t *testing.T) {
	token, err := GenerateJWT("right-secret", uuid.New(), "admin", time.Hour)
	require.NoError(t, err)

	_, err = ParseJWT("wrong-secret", token)
	assert.Error(t, err)
}

func TestGenerateJWT_DefaultExpiration(t *testing.T) {
	// Zero expiration falls back to 24h instead of minting an already
	// expired token.
	token, err := GenerateJWT("test-secret", uuid.New(), "user", 0)
	require.NoError(t, err)

	claims, err := ParseJWT("test-secret", token)
	require.NoError(t, err)
	assert.True(t, claims.ExpiresAt.After(time.Now().Add(23*time.Hour)))
}
