package middleware

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
)

// SecurityConfig configures the Security middleware.
type SecurityConfig struct {
	// RequireTLS rejects requests a proxy reports as plain HTTP.
	RequireTLS bool
	// HSTSMaxAge is the Strict-Transport-Security max-age in seconds. Zero omits the header.
	HSTSMaxAge int
	// ExemptPrefixes skip the TLS check, e.g. for load balancer health probes.
	ExemptPrefixes []string
}

// SecurityConfigFromEnv reads REQUIRE_TLS and HSTS_MAX_AGE. Ops endpoints are always exempt.
func SecurityConfigFromEnv() SecurityConfig {
	maxAge, err := strconv.Atoi(os.Getenv("HSTS_MAX_AGE"))
	if err != nil || maxAge < 0 {
		maxAge = 31536000
	}
	return SecurityConfig{
		RequireTLS:     os.Getenv("REQUIRE_TLS") == "true",
		HSTSMaxAge:     maxAge,
		ExemptPrefixes: []string{"/v1/ops/"},
	}
}

// Security sets response hardening headers and, when configured, enforces HTTPS using
// the X-Forwarded-Proto header of the fronting proxy. Session documents carry vessel
// positions, so nothing is cacheable.
func Security(cfg SecurityConfig) func(http.Handler) http.Handler {
	hsts := ""
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}

			if cfg.RequireTLS && !exempt(r.URL.Path, cfg.ExemptPrefixes) {
				// Direct connections carry no header and are allowed (local development).
				if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" && !strings.EqualFold(proto, "https") {
					problem := models.NewProblem(
						models.ProblemTypeTLSRequired,
						"TLS required",
						http.StatusForbidden,
						GetRequestID(r.Context()),
					)
					problem.Detail = "Session data is only served over HTTPS"
					problem.Instance = r.URL.Path
					problem.Write(w)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func exempt(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
