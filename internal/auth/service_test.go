package auth_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/auth"
)

func newService() *auth.Service {
	return auth.NewService(auth.ServiceConfig{
		JWTService:  newJWT("test-secret", "anchorwatch", "anchorwatch-sessions"),
		UserRepo:    auth.NewInMemoryUserRepository(),
		RefreshRepo: auth.NewInMemoryRefreshTokenRepository(),
		Logger:      zerolog.Nop(),
	})
}

func TestService_SignInAnonymously(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	first, err := svc.SignInAnonymously(ctx)
	require.NoError(t, err)
	second, err := svc.SignInAnonymously(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.UserID, second.UserID)
	assert.Equal(t, "Bearer", first.TokenType)
	assert.Positive(t, first.ExpiresIn)

	userID, err := svc.ValidateAccessToken(first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, userID)
}

func TestService_RefreshRotates(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	signIn, err := svc.SignInAnonymously(ctx)
	require.NoError(t, err)

	refreshed, err := svc.RefreshAccessToken(ctx, signIn.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, signIn.UserID, refreshed.UserID)
	assert.NotEqual(t, signIn.RefreshToken, refreshed.RefreshToken)

	_, err = svc.RefreshAccessToken(ctx, signIn.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken, "rotated token cannot be reused")

	_, err = svc.RefreshAccessToken(ctx, refreshed.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken, "reuse revokes the whole family")
}

func TestService_RefreshUnknownToken(t *testing.T) {
	_, err := newService().RefreshAccessToken(context.Background(), "nope")
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}
