package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
	"github.com/anchorwatch/anchorwatch/internal/auth"
)

const bearerPrefix = "Bearer "

// TokenValidator resolves an access token to the identity it was issued to.
type TokenValidator interface {
	ValidateAccessToken(token string) (string, error)
}

var _ TokenValidator = (*auth.Service)(nil)

type userIDKey struct{}

// Auth authenticates requests with a bearer access token. Websocket upgrades may pass
// the token as the access_token query parameter instead, for clients that cannot set
// headers on the handshake. Failures answer 401 with an RFC 6750 challenge so the
// device knows to refresh its credentials and retry.
func Auth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, detail := bearerToken(r)
			if token == "" {
				writeUnauthorized(w, r, `Bearer realm="anchorwatch"`, detail)
				return
			}

			userID, err := validator.ValidateAccessToken(token)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrAccessTokenExpired):
					detail = "access token has expired"
				case errors.Is(err, auth.ErrInvalidAccessToken):
					detail = "invalid access token"
				default:
					detail = "authentication failed"
				}
				writeUnauthorized(w, r, `Bearer realm="anchorwatch", error="invalid_token"`, detail)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token, or returns "" and why it is missing.
func bearerToken(r *http.Request) (token, detail string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if isWebsocketUpgrade(r) {
			if t := r.URL.Query().Get("access_token"); t != "" {
				return t, ""
			}
		}
		return "", "missing authorization header"
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", "invalid authorization header format"
	}
	if token = strings.TrimSpace(header[len(bearerPrefix):]); token == "" {
		return "", "missing bearer token"
	}
	return token, ""
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// writeUnauthorized writes the 401 problem here; the response package imports this one.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, challenge, detail string) {
	w.Header().Set("WWW-Authenticate", challenge)
	problem := models.NewUnauthorized(GetRequestID(r.Context()), detail)
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetUserID returns the authenticated identity, or "" outside Auth.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}
