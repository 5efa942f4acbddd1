// Package auth issues anonymous identities for session store callers: a user record,
// a short-lived JWT access token, and a rotating opaque refresh token.
package auth

import "time"

// User is an anonymous caller identity.
type User struct {
	ID        string    `json:"userId"`
	Anonymous bool      `json:"anonymous"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenResponse is returned by sign-in and refresh.
type TokenResponse struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
}

// RefreshTokenRequest is the body of POST /v1/auth/refresh.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// FieldError is a validation error on one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Validate checks the request.
func (r *RefreshTokenRequest) Validate() []FieldError {
	if r.RefreshToken == "" {
		return []FieldError{{Field: "refreshToken", Message: "refresh token is required", Code: "REQUIRED"}}
	}
	return nil
}

// RefreshToken is a stored refresh token. Only the hash of the token value is kept.
type RefreshToken struct {
	ID        string
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}
