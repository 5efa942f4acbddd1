// Package handler provides HTTP handlers for the session API.
package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
)

// callerID is the authenticated identity, or "" on public routes.
func callerID(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

// requestLog tags logger with the request ID and caller.
func requestLog(logger zerolog.Logger, r *http.Request) *zerolog.Logger {
	l := logger.With().Str("request_id", middleware.GetRequestID(r.Context())).Logger()
	if id := callerID(r); id != "" {
		l = l.With().Str("user_id", id).Logger()
	}
	return &l
}
