package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/database"
	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/session/pgstore"
	"github.com/anchorwatch/anchorwatch/internal/session/sessiontest"
)

// Requires a disposable database; set ANCHORWATCH_PG_TEST=1 with the DB_* variables.
func TestStore(t *testing.T) {
	if os.Getenv("ANCHORWATCH_PG_TEST") == "" {
		t.Skip("ANCHORWATCH_PG_TEST not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, database.ConfigFromEnv())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))

	sessiontest.RunStoreSuite(t, func(t *testing.T) session.Store {
		_, err := pool.Exec(context.Background(), `TRUNCATE pairing_sessions, session_owners`)
		require.NoError(t, err)
		return pgstore.New(pool)
	})
}
