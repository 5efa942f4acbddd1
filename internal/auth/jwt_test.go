package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/auth"
)

func newJWT(key, issuer, audience string) *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: key,
		Issuer:     issuer,
		Audience:   audience,
	})
}

func TestJWTService_GenerateAndValidate(t *testing.T) {
	svc := newJWT("test-secret", "anchorwatch", "anchorwatch-sessions")

	token, expiresAt, err := svc.GenerateAccessToken("usr_123")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(auth.DefaultAccessTokenExpiry), expiresAt, 5*time.Second)

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "usr_123", claims.UserID)
	assert.Equal(t, "usr_123", claims.Subject)
	assert.Equal(t, "anchorwatch", claims.Issuer)
}

func TestJWTService_Rejects(t *testing.T) {
	issuer := newJWT("test-secret", "anchorwatch", "anchorwatch-sessions")
	token, _, err := issuer.GenerateAccessToken("usr_123")
	require.NoError(t, err)

	tests := []struct {
		name      string
		validator *auth.JWTService
		token     string
	}{
		{"empty", issuer, ""},
		{"malformed", issuer, "not.a.jwt"},
		{"wrong key", newJWT("other-secret", "anchorwatch", "anchorwatch-sessions"), token},
		{"wrong issuer", newJWT("test-secret", "someone-else", "anchorwatch-sessions"), token},
		{"wrong audience", newJWT("test-secret", "anchorwatch", "other-api"), token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.validator.ValidateAccessToken(tt.token)
			assert.ErrorIs(t, err, auth.ErrInvalidAccessToken)
		})
	}
}

func TestJWTService_Expired(t *testing.T) {
	svc := auth.NewJWTService(auth.JWTConfig{
		SigningKey:        "test-secret",
		Issuer:            "anchorwatch",
		Audience:          "anchorwatch-sessions",
		AccessTokenExpiry: time.Nanosecond,
	})
	token, _, err := svc.GenerateAccessToken("usr_123")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = svc.ValidateAccessToken(token)
	assert.ErrorIs(t, err, auth.ErrAccessTokenExpired)
}

func TestGenerateRefreshToken(t *testing.T) {
	a, err := auth.GenerateRefreshToken()
	require.NoError(t, err)
	b, err := auth.GenerateRefreshToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
	assert.Len(t, auth.HashRefreshToken(a), 64)
	assert.Equal(t, auth.HashRefreshToken(a), auth.HashRefreshToken(a))
}
