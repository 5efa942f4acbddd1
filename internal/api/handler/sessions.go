package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
	"github.com/anchorwatch/anchorwatch/internal/api/response"
	"github.com/anchorwatch/anchorwatch/internal/session"
)

const (
	maxDocumentBytes   = 64 << 10
	defaultExpiredPage = 100
	maxExpiredPage     = 1000
)

// SessionConfig configures a SessionHandler.
type SessionConfig struct {
	Store  session.Store
	Logger zerolog.Logger

	// MaxTTL caps expiresAt - createdAt of new sessions. Default: 24 hours
	MaxTTL time.Duration

	Now func() time.Time
}

// SessionHandler serves the pairing session documents. A session has one writer, its
// primary owner; everyone else may only append themselves as a secondary device.
type SessionHandler struct {
	store  session.Store
	logger zerolog.Logger
	maxTTL time.Duration
	now    func() time.Time
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(cfg SessionConfig) *SessionHandler {
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionHandler{
		store:  cfg.Store,
		logger: cfg.Logger.With().Str("handler", "sessions").Logger(),
		maxTTL: cfg.MaxTTL,
		now:    cfg.Now,
	}
}

// CreateSession handles POST /v1/sessions.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		response.BadRequest(w, r, "unreadable body", nil)
		return
	}
	var head struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if !session.ValidToken(head.Token) {
		response.BadRequest(w, r, "invalid session token", []models.FieldError{
			{Field: "token", Message: "must be 32 characters of A-Z and 0-9", Code: "INVALID_FORMAT"},
		})
		return
	}

	s, err := session.Decode(head.Token, raw)
	if err != nil {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}
	if s.PrimaryOwner != userID {
		response.Forbidden(w, r, "primaryOwner must be the caller")
		return
	}
	if errs := validateNewSession(s, userID, h.maxTTL); len(errs) > 0 {
		response.BadRequest(w, r, "validation error", errs)
		return
	}

	if err := h.store.Create(r.Context(), s); err != nil {
		h.storeError(w, r, "create", err)
		return
	}
	response.Created(w, r, "/v1/sessions/"+s.Token, s)
}

func validateNewSession(s *session.Session, userID string, maxTTL time.Duration) []models.FieldError {
	var errs []models.FieldError
	if !s.Active {
		errs = append(errs, models.FieldError{Field: "active", Message: "a new session must be active", Code: "INVALID"})
	}
	if s.ExpiresAt.Sub(s.CreatedAt) > maxTTL {
		errs = append(errs, models.FieldError{Field: "expiresAt", Message: "exceeds the maximum session lifetime", Code: "OUT_OF_RANGE"})
	}
	for _, d := range s.Devices {
		if d.ID != userID || d.Role != session.RolePrimary {
			errs = append(errs, models.FieldError{Field: "devices", Message: "only the owner's primary device may be listed", Code: "INVALID"})
			break
		}
	}
	return errs
}

// GetSession handles GET /v1/sessions/{token}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.readable(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, s)
}

// ProbeSession handles HEAD /v1/sessions/{token}: the same access decision as GET
// without the document.
func (h *SessionHandler) ProbeSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.readable(w, r); !ok {
		return
	}
	response.NoContent(w, r)
}

// UpdateSession handles PATCH /v1/sessions/{token}. A JSON null clears a field.
func (h *SessionHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&body); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if len(body) == 0 {
		response.BadRequest(w, r, "no fields to update", nil)
		return
	}
	fields := make(session.Fields, len(body))
	for k, v := range body {
		if string(v) == "null" {
			fields[k] = nil
			continue
		}
		fields[k] = v
	}

	if err := h.store.Update(r.Context(), s.Token, fields); err != nil {
		h.storeError(w, r, "update", err)
		return
	}
	response.NoContent(w, r)
}

// DeleteSession handles DELETE /v1/sessions/{token}.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), s.Token); err != nil {
		h.storeError(w, r, "delete", err)
		return
	}
	response.NoContent(w, r)
}

// AddDevice handles POST /v1/sessions/{token}/devices. Callers may only add themselves,
// as a secondary, to a live session they do not own.
func (h *SessionHandler) AddDevice(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}

	var d session.Device
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&d); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if d.ID != userID || d.Role != session.RoleSecondary {
		response.Forbidden(w, r, "devices may only be added by themselves as secondary")
		return
	}

	s, err := h.store.Get(r.Context(), token)
	if err != nil {
		h.storeError(w, r, "get", err)
		return
	}
	now := h.now()
	switch {
	case s.PrimaryOwner == userID:
		response.Conflict(w, r, "the owner cannot join its own session")
		return
	case !s.Live(now):
		response.Forbidden(w, r, "session is no longer active")
		return
	}
	if d.JoinedAt.IsZero() {
		d.JoinedAt = now
	}

	if err := h.store.AddDevice(r.Context(), token, d); err != nil {
		h.storeError(w, r, "add_device", err)
		return
	}
	response.NoContent(w, r)
}

// ListExpired handles GET /v1/sessions/expired. Only the caller's own sessions are
// listed, and "before" is capped at the server clock.
func (h *SessionHandler) ListExpired(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	now := h.now()

	before := now
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			response.BadRequest(w, r, "before must be an RFC 3339 timestamp", nil)
			return
		}
		if t.Before(now) {
			before = t
		}
	}
	limit := defaultExpiredPage
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(w, r, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxExpiredPage)
	}

	candidates, err := h.store.ListExpired(r.Context(), before, maxExpiredPage)
	if err != nil {
		h.storeError(w, r, "list_expired", err)
		return
	}
	out := models.ExpiredSessions{Tokens: make([]string, 0)}
	for _, token := range candidates {
		if len(out.Tokens) == limit {
			break
		}
		s, err := h.store.Get(r.Context(), token)
		if err != nil || s.PrimaryOwner != userID {
			continue
		}
		out.Tokens = append(out.Tokens, token)
	}
	response.JSON(w, r, http.StatusOK, out)
}

// readable loads the session and checks the caller may read it: its owner, a listed
// device, or anyone holding the token while the session is live.
func (h *SessionHandler) readable(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	token, ok := tokenParam(w, r)
	if !ok {
		return nil, false
	}
	s, err := h.store.Get(r.Context(), token)
	if err != nil {
		h.storeError(w, r, "get", err)
		return nil, false
	}
	if !CanRead(s, callerID(r), h.now()) {
		response.Forbidden(w, r, "session is no longer active")
		return nil, false
	}
	return s, true
}

// owned loads the session and checks the caller is its primary owner.
func (h *SessionHandler) owned(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	token, ok := tokenParam(w, r)
	if !ok {
		return nil, false
	}
	s, err := h.store.Get(r.Context(), token)
	if err != nil {
		h.storeError(w, r, "get", err)
		return nil, false
	}
	if s.PrimaryOwner != callerID(r) {
		response.Forbidden(w, r, "only the primary owner may modify this session")
		return nil, false
	}
	return s, true
}

// CanRead reports whether userID may read s at now.
func CanRead(s *session.Session, userID string, now time.Time) bool {
	return s.PrimaryOwner == userID || s.HasDevice(userID) || s.Live(now)
}

func tokenParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := chi.URLParam(r, "token")
	if !session.ValidToken(token) {
		response.BadRequest(w, r, "invalid session token", []models.FieldError{
			{Field: "token", Message: "must be 32 characters of A-Z and 0-9", Code: "INVALID_FORMAT"},
		})
		return "", false
	}
	return token, true
}

// storeError maps a store failure to a problem response.
func (h *SessionHandler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	writeStoreError(w, r, h.logger, op, err)
}

func writeStoreError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, op string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		response.NotFound(w, r, "session not found")
	case errors.Is(err, session.ErrAlreadyExists):
		response.Conflict(w, r, "session already exists")
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrInvalidUpdate):
		response.BadRequest(w, r, err.Error(), nil)
	case errors.Is(err, session.ErrCorrupted):
		response.Unprocessable(w, r, "stored session document is corrupted")
	case errors.Is(err, session.ErrPermissionDenied):
		response.Forbidden(w, r, "permission denied")
	case errors.Is(err, session.ErrRateLimited):
		response.TooManyRequests(w, r, "store is rate limited")
	default:
		requestLog(logger, r).Error().Err(err).Str("op", op).Msg("session store failure")
		response.InternalError(w, r, "session store failure")
	}
}
