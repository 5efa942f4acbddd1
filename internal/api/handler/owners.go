package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
	"github.com/anchorwatch/anchorwatch/internal/api/response"
	"github.com/anchorwatch/anchorwatch/internal/session"
)

// OwnerHandler serves the identity to owned-session index for the caller.
type OwnerHandler struct {
	store  session.Store
	logger zerolog.Logger
}

// NewOwnerHandler creates a new OwnerHandler.
func NewOwnerHandler(store session.Store, logger zerolog.Logger) *OwnerHandler {
	return &OwnerHandler{
		store:  store,
		logger: logger.With().Str("handler", "owners").Logger(),
	}
}

// GetOwnedSession handles GET /v1/owners/me.
func (h *OwnerHandler) GetOwnedSession(w http.ResponseWriter, r *http.Request) {
	token, err := h.store.OwnerSession(r.Context(), callerID(r))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			response.NotFound(w, r, "no owned session")
			return
		}
		writeStoreError(w, r, h.logger, "owner_session", err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.OwnerSession{Token: token})
}

// PutOwnedSession handles PUT /v1/owners/me. The session must exist and be owned by
// the caller.
func (h *OwnerHandler) PutOwnedSession(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)

	var body models.OwnerSession
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if !session.ValidToken(body.Token) {
		response.BadRequest(w, r, "invalid session token", []models.FieldError{
			{Field: "token", Message: "must be 32 characters of A-Z and 0-9", Code: "INVALID_FORMAT"},
		})
		return
	}

	s, err := h.store.Get(r.Context(), body.Token)
	if err != nil {
		writeStoreError(w, r, h.logger, "get", err)
		return
	}
	if s.PrimaryOwner != userID {
		response.Forbidden(w, r, "session is owned by another identity")
		return
	}

	if err := h.store.SetOwnerSession(r.Context(), userID, body.Token); err != nil {
		writeStoreError(w, r, h.logger, "set_owner_session", err)
		return
	}
	response.JSON(w, r, http.StatusOK, body)
}

// DeleteOwnedSession handles DELETE /v1/owners/me.
func (h *OwnerHandler) DeleteOwnedSession(w http.ResponseWriter, r *http.Request) {
	if err := h.store.SetOwnerSession(r.Context(), callerID(r), ""); err != nil {
		writeStoreError(w, r, h.logger, "set_owner_session", err)
		return
	}
	response.NoContent(w, r)
}
