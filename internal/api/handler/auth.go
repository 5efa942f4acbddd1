package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
	"github.com/anchorwatch/anchorwatch/internal/api/response"
	"github.com/anchorwatch/anchorwatch/internal/auth"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	authService *auth.Service
	logger      zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      logger.With().Str("handler", "auth").Logger(),
	}
}

// SignInAnonymously handles POST /v1/auth/anonymous. Every call creates a new identity.
func (h *AuthHandler) SignInAnonymously(w http.ResponseWriter, r *http.Request) {
	tokenResp, err := h.authService.SignInAnonymously(r.Context())
	if err != nil {
		requestLog(h.logger, r).Error().Err(err).Msg("anonymous sign-in failed")
		response.InternalError(w, r, "sign-in failed")
		return
	}
	response.JSON(w, r, http.StatusOK, tokenResp)
}

// RefreshToken handles POST /v1/auth/refresh - rotate the refresh token.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	if errs := req.Validate(); len(errs) > 0 {
		fieldErrors := make([]models.FieldError, len(errs))
		for i, e := range errs {
			fieldErrors[i] = models.FieldError{
				Field:   e.Field,
				Message: e.Message,
				Code:    e.Code,
			}
		}
		response.BadRequest(w, r, "validation error", fieldErrors)
		return
	}

	tokenResp, err := h.authService.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidRefreshToken):
			response.Unauthorized(w, r, "invalid refresh token")
		case errors.Is(err, auth.ErrRefreshTokenExpired):
			response.Unauthorized(w, r, "refresh token has expired")
		case errors.Is(err, auth.ErrUserNotFound):
			response.Unauthorized(w, r, "user not found")
		default:
			requestLog(h.logger, r).Error().Err(err).Msg("token refresh failed")
			response.InternalError(w, r, "token refresh failed")
		}
		return
	}

	response.JSON(w, r, http.StatusOK, tokenResp)
}

// LogoutAll handles POST /v1/auth/logout-all - revoke every refresh token of the caller.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		response.Unauthorized(w, r, "authentication required")
		return
	}

	if err := h.authService.RevokeAllTokens(r.Context(), userID); err != nil {
		requestLog(h.logger, r).Error().Err(err).Msg("logout failed")
		response.InternalError(w, r, "logout failed")
		return
	}

	response.NoContent(w, r)
}
