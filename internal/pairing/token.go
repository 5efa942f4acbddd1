package pairing

import (
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// rejection bound: the largest multiple of len(tokenAlphabet) that fits in a byte.
const tokenByteLimit = 256 - 256%len(tokenAlphabet)

// GenerateToken returns a session token drawn uniformly from [A-Z0-9] using crypto/rand.
func GenerateToken() (string, error) {
	out := make([]byte, 0, session.TokenLength)
	buf := make([]byte, session.TokenLength*2)
	for len(out) < session.TokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= tokenByteLimit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == session.TokenLength {
				break
			}
		}
	}
	return string(out), nil
}

// IsValidTokenFormat reports whether token is exactly 32 characters of [A-Z0-9].
func IsValidTokenFormat(token string) bool {
	return session.ValidToken(token)
}

// BuildDeepLink returns scheme://join?sessionId=<token>&token=<token>.
func BuildDeepLink(scheme, token string) string {
	q := url.Values{}
	q.Set("sessionId", token)
	q.Set("token", token)
	return scheme + "://join?" + q.Encode()
}

// ParseDeepLink extracts the session token from a join link. sessionId wins over token
// when both are present and disagree.
func ParseDeepLink(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDeepLink, err)
	}
	if u.Scheme == "" || (u.Host != "join" && strings.Trim(u.Path, "/") != "join") {
		return "", ErrInvalidDeepLink
	}

	q := u.Query()
	token := q.Get("sessionId")
	if token == "" {
		token = q.Get("token")
	}
	if !IsValidTokenFormat(token) {
		return "", ErrInvalidTokenFormat
	}
	return token, nil
}
