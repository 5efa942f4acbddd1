package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/session"
	"github.com/anchorwatch/anchorwatch/internal/session/memstore"
	"github.com/anchorwatch/anchorwatch/internal/session/sessiontest"
)

func TestStore(t *testing.T) {
	sessiontest.RunStoreSuite(t, func(*testing.T) session.Store {
		return memstore.New()
	})
}

func TestStore_CorruptedDocument(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	token := sessiontest.Token(1)

	store.Put(token, []byte(`{"token":"`+token+`","primaryOwner":42}`))
	_, err := store.Get(ctx, token)
	assert.ErrorIs(t, err, session.ErrCorrupted)

	expired, err := store.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, expired, "unreadable documents are eligible for cleanup")
}
