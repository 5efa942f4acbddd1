package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/session/memstore"
	"github.com/anchorwatch/anchorwatch/internal/session/sessiontest"
)

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	now := time.Now()

	expired := sessiontest.Token(1)
	live := sessiontest.Token(2)
	corrupt := sessiontest.Token(3)

	require.NoError(t, store.Create(ctx, session.New(expired, "usr_old", "d", time.Hour, now.Add(-2*time.Hour))))
	require.NoError(t, store.SetOwnerSession(ctx, "usr_old", expired))
	require.NoError(t, store.Create(ctx, session.New(live, "usr_new", "d", time.Hour, now)))
	require.NoError(t, store.SetOwnerSession(ctx, "usr_new", live))
	store.Put(corrupt, []byte(`not json`))

	n, err := session.DeleteExpired(ctx, store, now, 100, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, expired)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = store.OwnerSession(ctx, "usr_old")
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = store.Get(ctx, live)
	assert.NoError(t, err)
	owned, err := store.OwnerSession(ctx, "usr_new")
	require.NoError(t, err)
	assert.Equal(t, live, owned)
}

func TestInstrumentedStore_Forwards(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	store, err := session.NewInstrumentedStore(inner, zerolog.Nop())
	require.NoError(t, err)

	token := sessiontest.Token(9)
	require.NoError(t, store.Create(ctx, sessiontest.NewSession(token, "usr_a", time.Now())))
	require.NoError(t, store.Update(ctx, token, session.Fields{session.FieldMonitoringActive: true}))

	got, err := inner.Get(ctx, token)
	require.NoError(t, err)
	assert.True(t, got.MonitoringActive)

	assert.ErrorIs(t, store.Delete(ctx, sessiontest.Token(10)), session.ErrNotFound)
}
