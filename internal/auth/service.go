package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service errors.
var (
	ErrUserNotFound = errors.New("user not found")
)

// UserRepository stores users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
}

// RefreshTokenRepository stores refresh tokens by hash.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// Revoke marks the token revoked and reports whether this call revoked it.
	Revoke(ctx context.Context, hash string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) error
}

// ServiceConfig holds configuration for the auth service.
type ServiceConfig struct {
	JWTService  *JWTService
	UserRepo    UserRepository
	RefreshRepo RefreshTokenRepository
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Service issues and validates anonymous credentials.
type Service struct {
	jwt         *JWTService
	userRepo    UserRepository
	refreshRepo RefreshTokenRepository
	logger      zerolog.Logger
	now         func() time.Time
}

// NewService creates a new auth service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		jwt:         cfg.JWTService,
		userRepo:    cfg.UserRepo,
		refreshRepo: cfg.RefreshRepo,
		logger:      cfg.Logger.With().Str("component", "auth").Logger(),
		now:         now,
	}
}

// SignInAnonymously creates a fresh identity and returns its tokens.
func (s *Service) SignInAnonymously(ctx context.Context) (*TokenResponse, error) {
	now := s.now()
	user := &User{
		ID:        "usr_" + uuid.NewString(),
		Anonymous: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	s.logger.Info().Str("user_id", user.ID).Msg("anonymous user created")
	return s.generateTokens(ctx, user.ID)
}

// RefreshAccessToken rotates a refresh token. Reusing a rotated token revokes every
// token of its user.
func (s *Service) RefreshAccessToken(ctx context.Context, value string) (*TokenResponse, error) {
	hash := HashRefreshToken(value)
	stored, err := s.refreshRepo.FindByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	now := s.now()
	if stored.RevokedAt != nil {
		s.logger.Warn().Str("user_id", stored.UserID).Msg("revoked refresh token presented, revoking all tokens")
		if err := s.refreshRepo.RevokeAllForUser(ctx, stored.UserID, now); err != nil {
			s.logger.Error().Err(err).Str("user_id", stored.UserID).Msg("failed to revoke tokens")
		}
		return nil, ErrInvalidRefreshToken
	}
	if now.After(stored.ExpiresAt) {
		return nil, ErrRefreshTokenExpired
	}
	if _, err := s.userRepo.FindByID(ctx, stored.UserID); err != nil {
		return nil, ErrInvalidRefreshToken
	}

	revoked, err := s.refreshRepo.Revoke(ctx, hash, now)
	if err != nil {
		return nil, fmt.Errorf("revoking old refresh token: %w", err)
	}
	if !revoked {
		// A concurrent refresh won the rotation.
		return nil, ErrInvalidRefreshToken
	}
	return s.generateTokens(ctx, stored.UserID)
}

// ValidateAccessToken returns the user ID of a valid access token.
func (s *Service) ValidateAccessToken(tokenString string) (string, error) {
	claims, err := s.jwt.ValidateAccessToken(tokenString)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// RevokeAllTokens revokes every refresh token of userID.
func (s *Service) RevokeAllTokens(ctx context.Context, userID string) error {
	return s.refreshRepo.RevokeAllForUser(ctx, userID, s.now())
}

func (s *Service) generateTokens(ctx context.Context, userID string) (*TokenResponse, error) {
	accessToken, expiresAt, err := s.jwt.GenerateAccessToken(userID)
	if err != nil {
		return nil, err
	}

	value, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.refreshRepo.Create(ctx, &RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: HashRefreshToken(value),
		UserID:    userID,
		ExpiresAt: now.Add(RefreshTokenExpiry),
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return &TokenResponse{
		UserID:       userID,
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(expiresAt.Sub(now).Seconds()),
		RefreshToken: value,
	}, nil
}
