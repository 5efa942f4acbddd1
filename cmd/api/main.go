// Package main provides the entrypoint for the AnchorWatch session store API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/anchorwatch/anchorwatch/internal/api"
	"github.com/anchorwatch/anchorwatch/internal/api/handler"
	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
	"github.com/anchorwatch/anchorwatch/internal/auth"
	"github.com/anchorwatch/anchorwatch/internal/session/backend"
	"github.com/anchorwatch/anchorwatch/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "anchorwatch-api"

	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	log := telemetry.NewLogger(serviceName, Version)
	log.Info().
		Str("build_time", BuildTime).
		Msg("starting AnchorWatch API")

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	ctx := context.Background()

	telemetryCfg := telemetry.ConfigFromEnv(serviceName, Version)
	tp, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	if tp.Enabled() {
		log.Info().
			Str("otlp_endpoint", telemetryCfg.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	b, err := backend.Open(ctx, backend.KindFromEnv(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer b.Close()
	log.Info().Str("backend", b.Kind).Msg("session store ready")

	// Identities live next to the sessions when Postgres is available.
	var (
		userRepo    auth.UserRepository
		refreshRepo auth.RefreshTokenRepository
	)
	if b.Pool != nil {
		userRepo = auth.NewPostgresUserRepository(b.Pool)
		refreshRepo = auth.NewPostgresRefreshTokenRepository(b.Pool)
	} else {
		userRepo = auth.NewInMemoryUserRepository()
		refreshRepo = auth.NewInMemoryRefreshTokenRepository()
		log.Warn().Msg("identities are kept in memory and lost on restart")
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		jwtSigningKey = "local-dev-signing-key-change-in-production"
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}
	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: jwtSigningKey,
		Issuer:     os.Getenv("JWT_ISSUER"),
		Audience:   os.Getenv("JWT_AUDIENCE"),
	})

	authService := auth.NewService(auth.ServiceConfig{
		JWTService:  jwtService,
		UserRepo:    userRepo,
		RefreshRepo: refreshRepo,
		Logger:      log,
	})
	log.Info().Msg("auth service initialized")

	maxTTL := 24 * time.Hour
	if v, err := time.ParseDuration(os.Getenv("SESSION_MAX_TTL")); err == nil && v > 0 {
		maxTTL = v
	}
	pingInterval := 30 * time.Second
	if v, err := strconv.Atoi(os.Getenv("STREAM_PING_SECONDS")); err == nil && v > 0 {
		pingInterval = time.Duration(v) * time.Second
	}

	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		AuthService: authService,
		Store:       b.Store,
		ReadinessChecks: []handler.ReadinessCheck{
			{Name: "session_store", Check: b.Ping},
		},
		MaxSessionTTL:      maxTTL,
		StreamPingInterval: pingInterval,
	})

	// Websocket streams set their own deadlines after the upgrade.
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}
