// Package backend opens the session store selected by STORE_BACKEND for the server binaries.
package backend

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/database"
	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/session/memstore"
	"github.com/anchorwatch/anchorwatch/internal/session/pgstore"
	"github.com/anchorwatch/anchorwatch/internal/session/redisstore"
)

// Backend kinds.
const (
	Memory   = "memory"
	Redis    = "redis"
	Postgres = "postgres"
)

// ErrUnknownBackend is returned for an unsupported kind.
var ErrUnknownBackend = errors.New("unknown store backend")

// KindFromEnv returns STORE_BACKEND, defaulting to memory.
func KindFromEnv() string {
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		return v
	}
	return Memory
}

// Backend is an open session store and the connections behind it.
type Backend struct {
	Kind  string
	Store session.Store
	// Pool is set for the postgres backend so other repositories can share it.
	Pool *pgxpool.Pool

	ping    func(ctx context.Context) error
	closers []func()
}

// Open connects the kind backend using its environment configuration. Writes through
// the returned Store are logged and measured.
func Open(ctx context.Context, kind string, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{Kind: kind, ping: func(context.Context) error { return nil }}
	var store session.Store

	switch kind {
	case Memory:
		store = memstore.New()

	case Redis:
		cfg := redisstore.ConfigFromEnv()
		rdb, err := redisstore.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		store = redisstore.New(rdb, cfg.KeyPrefix)
		logger.Info().Str("addr", cfg.Addr).Msg("redis connected")

	case Postgres:
		cfg := database.ConfigFromEnv()
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		if err := database.Migrate(ctx, pool); err != nil {
			b.Close()
			return nil, err
		}
		b.Pool = pool
		b.ping = pool.Ping
		store = pgstore.New(pool)
		logger.Info().
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Str("database", cfg.Database).
			Msg("database connected")

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}

	instrumented, err := session.NewInstrumentedStore(store, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("instrument store: %w", err)
	}
	b.Store = instrumented
	return b, nil
}

// Ping checks the backing service is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	return b.ping(ctx)
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
