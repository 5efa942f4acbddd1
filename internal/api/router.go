// Package api provides the HTTP API of the remote session store.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/api/handler"
	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
	"github.com/anchorwatch/anchorwatch/internal/auth"
	"github.com/anchorwatch/anchorwatch/internal/session"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	AuthService *auth.Service
	Store       session.Store

	ReadinessChecks []handler.ReadinessCheck

	// MaxSessionTTL caps the lifetime of created sessions. Default: 24 hours
	MaxSessionTTL time.Duration
	// StreamPingInterval is the websocket keepalive period. Default: 30 seconds
	StreamPingInterval time.Duration

	// Security defaults to SecurityConfigFromEnv.
	Security *middleware.SecurityConfig
	// RateLimits defaults to RateLimitsFromEnv.
	RateLimits *middleware.RateLimits

	// Now overrides the clock for session liveness checks.
	Now func() time.Time
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "anchorwatch-api"
	}
	security := middleware.SecurityConfigFromEnv()
	if cfg.Security != nil {
		security = *cfg.Security
	}
	limits := middleware.RateLimitsFromEnv()
	if cfg.RateLimits != nil {
		limits = *cfg.RateLimits
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Security(security))
	r.Use(middleware.ContentTypeJSON)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.ReadinessChecks)
	authHandler := handler.NewAuthHandler(cfg.AuthService, cfg.Logger)
	sessionHandler := handler.NewSessionHandler(handler.SessionConfig{
		Store:  cfg.Store,
		Logger: cfg.Logger,
		MaxTTL: cfg.MaxSessionTTL,
		Now:    cfg.Now,
	})
	ownerHandler := handler.NewOwnerHandler(cfg.Store, cfg.Logger)
	streamHandler := handler.NewStreamHandler(handler.StreamConfig{
		Store:        cfg.Store,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		PingInterval: cfg.StreamPingInterval,
		Now:          cfg.Now,
	})

	authMiddleware := middleware.Auth(cfg.AuthService)

	authRateLimit := middleware.RateLimitByIP(limits.Auth)
	writeRateLimit := middleware.RateLimitByUser(limits.SessionWrite)
	standardRateLimit := middleware.RateLimitByUser(limits.Standard)

	r.Route("/v1", func(r chi.Router) {
		// Auth endpoints (public) - strict rate limiting
		r.Route("/auth", func(r chi.Router) {
			r.Use(authRateLimit)
			r.With(middleware.RequireJSON).Post("/anonymous", authHandler.SignInAnonymously)
			r.With(middleware.RequireJSON).Post("/refresh", authHandler.RefreshToken)
			r.With(authMiddleware).Post("/logout-all", authHandler.LogoutAll)
		})

		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
		})

		// Session documents (authenticated) - per-identity rate limiting
		r.Route("/sessions", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(standardRateLimit)

			r.With(middleware.RequireJSON, writeRateLimit).Post("/", sessionHandler.CreateSession)
			r.Get("/expired", sessionHandler.ListExpired)

			r.Route("/{token}", func(r chi.Router) {
				r.Get("/", sessionHandler.GetSession)
				r.Head("/", sessionHandler.ProbeSession)
				r.With(middleware.RequireJSON, writeRateLimit).Patch("/", sessionHandler.UpdateSession)
				r.With(writeRateLimit).Delete("/", sessionHandler.DeleteSession)
				r.With(middleware.RequireJSON, writeRateLimit).Post("/devices", sessionHandler.AddDevice)
				r.Get("/stream", streamHandler.StreamSession)
				r.Get("/alarm/stream", streamHandler.StreamAlarm)
			})
		})

		// Owner index (authenticated)
		r.Route("/owners/me", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(standardRateLimit)
			r.Get("/", ownerHandler.GetOwnedSession)
			r.With(middleware.RequireJSON).Put("/", ownerHandler.PutOwnedSession)
			r.Delete("/", ownerHandler.DeleteOwnedSession)
		})
	})

	return r
}
