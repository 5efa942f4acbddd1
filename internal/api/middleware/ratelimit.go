package middleware

import (
	"math"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
)

// RateLimitConfig is a fixed-window request budget.
type RateLimitConfig struct {
	RequestLimit int
	WindowLength time.Duration
}

// RateLimits groups the API's budgets.
type RateLimits struct {
	// Auth applies per IP to sign-in and refresh.
	Auth RateLimitConfig
	// SessionWrite applies per identity to session mutations. A primary publishing
	// positions every 5s uses 12 a minute.
	SessionWrite RateLimitConfig
	// Standard applies per identity to every authenticated route.
	Standard RateLimitConfig
}

// DefaultRateLimits returns 10 auth, 60 write and 100 standard requests per minute.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Auth:         RateLimitConfig{RequestLimit: 10, WindowLength: time.Minute},
		SessionWrite: RateLimitConfig{RequestLimit: 60, WindowLength: time.Minute},
		Standard:     RateLimitConfig{RequestLimit: 100, WindowLength: time.Minute},
	}
}

// RateLimitsFromEnv overrides the per-minute defaults with RATE_LIMIT_AUTH,
// RATE_LIMIT_SESSION_WRITE and RATE_LIMIT_STANDARD.
func RateLimitsFromEnv() RateLimits {
	limits := DefaultRateLimits()
	perMinute := func(key string, cfg *RateLimitConfig) {
		if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
			cfg.RequestLimit = v
		}
	}
	perMinute("RATE_LIMIT_AUTH", &limits.Auth)
	perMinute("RATE_LIMIT_SESSION_WRITE", &limits.SessionWrite)
	perMinute("RATE_LIMIT_STANDARD", &limits.Standard)
	return limits
}

// RateLimitByIP limits by client IP (as resolved by chi's RealIP).
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(limitExceeded(cfg.WindowLength)),
	)
}

// RateLimitByUser limits by authenticated identity, so devices behind one NAT do not
// share a budget. Unauthenticated requests fall back to the client IP.
func RateLimitByUser(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(keyByUserOrIP),
		httprate.WithLimitHandler(limitExceeded(cfg.WindowLength)),
	)
}

func keyByUserOrIP(r *http.Request) (string, error) {
	if userID := GetUserID(r.Context()); userID != "" {
		return "user:" + userID, nil
	}
	return httprate.KeyByRealIP(r)
}

// limitExceeded answers 429 with a Retry-After of one window, the longest a client can
// have to wait under a fixed window.
func limitExceeded(window time.Duration) http.HandlerFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(window.Seconds())))
	return func(w http.ResponseWriter, r *http.Request) {
		problem := models.NewTooManyRequests(GetRequestID(r.Context()), "Rate limit exceeded. Please try again later.")
		problem.Instance = r.URL.Path
		w.Header().Set("Retry-After", retryAfter)
		problem.Write(w)
	}
}
