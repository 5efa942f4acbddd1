package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a binary's root logger. ENVIRONMENT=development switches to the
// console writer; LOG_LEVEL sets the level (default info).
func NewLogger(serviceName, version string) zerolog.Logger {
	return newLogger(os.Stdout, serviceName, version)
}

func newLogger(w io.Writer, serviceName, version string) zerolog.Logger {
	if getEnvOrDefault("ENVIRONMENT", "development") == "development" && getEnvOrDefault("LOG_FORMAT", "") != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(getEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version).
		Logger()
}
