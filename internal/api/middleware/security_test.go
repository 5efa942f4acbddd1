package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
)

func serveSecurity(cfg middleware.SecurityConfig, path, proto string) *httptest.ResponseRecorder {
	handler := middleware.Security(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Custom-Header", "custom-value")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if proto != "" {
		req.Header.Set("X-Forwarded-Proto", proto)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSecurity_Headers(t *testing.T) {
	rec := serveSecurity(middleware.SecurityConfig{HSTSMaxAge: 600}, "/v1/sessions/x", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "max-age=600; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "custom-value", rec.Header().Get("X-Custom-Header"))

	rec = serveSecurity(middleware.SecurityConfig{}, "/v1/sessions/x", "")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestSecurity_RequireTLS(t *testing.T) {
	cfg := middleware.SecurityConfig{RequireTLS: true, ExemptPrefixes: []string{"/v1/ops/"}}

	tests := []struct {
		name  string
		cfg   middleware.SecurityConfig
		path  string
		proto string
		want  int
	}{
		{name: "disabled allows http", cfg: middleware.SecurityConfig{}, path: "/v1/sessions", proto: "http", want: http.StatusOK},
		{name: "rejects http", cfg: cfg, path: "/v1/sessions", proto: "http", want: http.StatusForbidden},
		{name: "allows https", cfg: cfg, path: "/v1/sessions", proto: "HTTPS", want: http.StatusOK},
		{name: "allows direct connections", cfg: cfg, path: "/v1/sessions", want: http.StatusOK},
		{name: "ops probes are exempt", cfg: cfg, path: "/v1/ops/health", proto: "http", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveSecurity(tt.cfg, tt.path, tt.proto)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusForbidden {
				assert.Contains(t, rec.Body.String(), "TLS required")
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestSecurityConfigFromEnv(t *testing.T) {
	t.Setenv("REQUIRE_TLS", "true")
	t.Setenv("HSTS_MAX_AGE", "bogus")

	cfg := middleware.SecurityConfigFromEnv()
	assert.True(t, cfg.RequireTLS)
	assert.Equal(t, 31536000, cfg.HSTSMaxAge)
	assert.Contains(t, cfg.ExemptPrefixes, "/v1/ops/")
}
