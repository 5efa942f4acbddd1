package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DeleteExpired removes up to limit sessions past their expiry and clears owner-index
// entries that still point at them. Individual failures are logged and skipped.
func DeleteExpired(ctx context.Context, store Store, now time.Time, limit int, logger zerolog.Logger) (int, error) {
	tokens, err := store.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, token := range tokens {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}

		var owner string
		s, err := store.Get(ctx, token)
		switch {
		case err == nil:
			owner = s.PrimaryOwner
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, ErrCorrupted):
			// Corrupted documents are deleted too; there is no owner to unlink.
		default:
			logger.Warn().Err(err).Str("token", Redact(token)).Msg("failed to read expired session")
			continue
		}

		if err := store.Delete(ctx, token); err != nil && !errors.Is(err, ErrNotFound) {
			logger.Warn().Err(err).Str("token", Redact(token)).Msg("failed to delete expired session")
			continue
		}
		deleted++

		if owner == "" {
			continue
		}
		current, err := store.OwnerSession(ctx, owner)
		if err == nil && current == token {
			if err := store.SetOwnerSession(ctx, owner, ""); err != nil {
				logger.Warn().Err(err).Str("owner", owner).Msg("failed to clear owner index")
			}
		}
	}
	return deleted, nil
}

// Redact shortens a token for logs.
func Redact(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + "..."
}
