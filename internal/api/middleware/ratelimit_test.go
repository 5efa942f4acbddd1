package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
	"github.com/anchorwatch/anchorwatch/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func sendFrom(h http.Handler, remoteAddr, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPatch, "/v1/sessions/x", http.NoBody)
	req.RemoteAddr = remoteAddr
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitByIP(t *testing.T) {
	h := middleware.RateLimitByIP(middleware.RateLimitConfig{RequestLimit: 3, WindowLength: 30 * time.Second})(okHandler())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, sendFrom(h, "10.0.0.1:1234", "").Code, "request %d", i+1)
	}

	rec := sendFrom(h, "10.0.0.1:1234", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "too-many-requests")
	assert.Contains(t, rec.Body.String(), "/v1/sessions/x")

	assert.Equal(t, http.StatusOK, sendFrom(h, "10.0.0.2:1234", "").Code, "other IPs keep their budget")
}

func TestRateLimitByUser(t *testing.T) {
	cfg := middleware.RateLimitConfig{RequestLimit: 1, WindowLength: time.Minute}

	t.Run("separates identities behind one IP", func(t *testing.T) {
		jwtService := auth.NewJWTService(testJWTConfig())
		tokenA, _, err := jwtService.GenerateAccessToken("usr_a")
		require.NoError(t, err)
		tokenB, _, err := jwtService.GenerateAccessToken("usr_b")
		require.NoError(t, err)

		h := middleware.Auth(createTestAuthService(t))(middleware.RateLimitByUser(cfg)(okHandler()))

		assert.Equal(t, http.StatusOK, sendFrom(h, "198.51.100.7:4000", tokenA).Code)
		assert.Equal(t, http.StatusTooManyRequests, sendFrom(h, "198.51.100.7:4000", tokenA).Code)
		assert.Equal(t, http.StatusOK, sendFrom(h, "198.51.100.7:4000", tokenB).Code)
	})

	t.Run("falls back to IP", func(t *testing.T) {
		h := middleware.RateLimitByUser(cfg)(okHandler())

		assert.Equal(t, http.StatusOK, sendFrom(h, "192.168.1.1:1", "").Code)
		assert.Equal(t, http.StatusTooManyRequests, sendFrom(h, "192.168.1.1:1", "").Code)
		assert.Equal(t, http.StatusOK, sendFrom(h, "192.168.1.2:1", "").Code)
	})
}

func TestRateLimitsFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		limits := middleware.RateLimitsFromEnv()
		assert.Equal(t, middleware.DefaultRateLimits(), limits)
		assert.Equal(t, 10, limits.Auth.RequestLimit)
		assert.Equal(t, 60, limits.SessionWrite.RequestLimit)
		assert.Equal(t, 100, limits.Standard.RequestLimit)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_SESSION_WRITE", "120")
		t.Setenv("RATE_LIMIT_AUTH", "zero")

		limits := middleware.RateLimitsFromEnv()
		assert.Equal(t, 120, limits.SessionWrite.RequestLimit)
		assert.Equal(t, 10, limits.Auth.RequestLimit)
		assert.Equal(t, time.Minute, limits.SessionWrite.WindowLength)
	})
}
