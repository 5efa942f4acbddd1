package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/session/redisstore"
	"github.com/anchorwatch/anchorwatch/internal/session/sessiontest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestStore(t *testing.T) {
	sessiontest.RunStoreSuite(t, func(t *testing.T) session.Store {
		_, rdb := newClient(t)
		return redisstore.New(rdb, "test:")
	})
}

func TestStore_CorruptedDocument(t *testing.T) {
	mr, rdb := newClient(t)
	store := redisstore.New(rdb, "test:")
	token := sessiontest.Token(1)

	require.NoError(t, mr.Set("test:session:"+token, `{"token":"`+token+`","active":"yes"}`))

	_, err := store.Get(context.Background(), token)
	assert.ErrorIs(t, err, session.ErrCorrupted)

	err = store.Update(context.Background(), token, session.Fields{session.FieldMonitoringActive: true})
	assert.ErrorIs(t, err, session.ErrCorrupted)
}

func TestStore_KeyPrefixIsolation(t *testing.T) {
	_, rdb := newClient(t)
	a := redisstore.New(rdb, "a:")
	b := redisstore.New(rdb, "b:")
	ctx := context.Background()
	token := sessiontest.Token(2)

	require.NoError(t, a.Create(ctx, sessiontest.NewSession(token, "usr_a", time.Now())))
	assert.ErrorIs(t, b.Probe(ctx, token), session.ErrNotFound)
	assert.NoError(t, a.Probe(ctx, token))
}

func TestStore_AlarmWatchIgnoresUnrelatedWrites(t *testing.T) {
	_, rdb := newClient(t)
	store := redisstore.New(rdb, "test:")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	token := sessiontest.Token(3)
	require.NoError(t, store.Create(ctx, sessiontest.NewSession(token, "usr_a", time.Now())))

	alarms, err := store.Watch(ctx, session.AlarmPath(token))
	require.NoError(t, err)
	first := <-alarms
	assert.Nil(t, first.Data)

	require.NoError(t, store.Update(ctx, token, session.Fields{session.FieldMonitoringActive: true}))
	select {
	case snap := <-alarms:
		t.Fatalf("unexpected alarm snapshot %s", snap.Data)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	sessiontest.WaitClosed(t, alarms)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("REDIS_DB", "3")

	cfg := redisstore.ConfigFromEnv()
	assert.Equal(t, "redis.internal:6380", cfg.Addr)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "anchorwatch:", cfg.KeyPrefix)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := redisstore.Connect(context.Background(), redisstore.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	assert.NoError(t, rdb.Close())
}
