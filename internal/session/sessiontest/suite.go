// Package sessiontest holds a behaviour suite every session.Store backend must pass.
package sessiontest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/anchor"
	"github.com/anchorwatch/anchorwatch/internal/session"
)

// Token returns a valid token derived from n.
func Token(n int) string {
	return fmt.Sprintf("TESTTOKEN%023d", n)
}

// NewSession builds a live session for token owned by owner.
func NewSession(token, owner string, now time.Time) *session.Session {
	return session.New(token, owner, "dev_"+owner, 24*time.Hour, now)
}

// RunStoreSuite exercises a Store implementation. newStore must return an empty store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		token := Token(1)

		require.NoError(t, store.Create(ctx, NewSession(token, "usr_a", now)))
		assert.ErrorIs(t, store.Create(ctx, NewSession(token, "usr_a", now)), session.ErrAlreadyExists)

		got, err := store.Get(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "usr_a", got.PrimaryOwner)
		assert.True(t, got.Active)
		require.Len(t, got.Devices, 1)
		assert.Equal(t, session.RolePrimary, got.Devices[0].Role)
		assert.NoError(t, store.Probe(ctx, token))

		_, err = store.Get(ctx, Token(2))
		assert.ErrorIs(t, err, session.ErrNotFound)
		assert.ErrorIs(t, store.Probe(ctx, Token(2)), session.ErrNotFound)
	})

	t.Run("update and clear fields", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		token := Token(3)
		require.NoError(t, store.Create(ctx, NewSession(token, "usr_a", time.Now())))

		a := &anchor.Anchor{ID: "anc_1", Latitude: 10, Longitude: 20, Radius: 30, Active: true}
		alarm := &anchor.AlarmEvent{ID: "alm_1", Type: anchor.AlarmDriftExceeded, Severity: anchor.SeverityAlarm, Distance: 31}
		require.NoError(t, store.Update(ctx, token, session.Fields{
			session.FieldAnchor:           a,
			session.FieldAlarm:            alarm,
			session.FieldMonitoringActive: true,
		}))

		got, err := store.Get(ctx, token)
		require.NoError(t, err)
		require.NotNil(t, got.Anchor)
		assert.Equal(t, 30.0, got.Anchor.Radius)
		require.NotNil(t, got.Alarm)
		assert.Equal(t, "alm_1", got.Alarm.ID)
		assert.True(t, got.MonitoringActive)

		require.NoError(t, store.Update(ctx, token, session.Fields{session.FieldAlarm: nil}))
		got, err = store.Get(ctx, token)
		require.NoError(t, err)
		assert.Nil(t, got.Alarm)
		assert.NotNil(t, got.Anchor)

		assert.ErrorIs(t, store.Update(ctx, token, session.Fields{"primaryOwner": "usr_evil"}), session.ErrInvalidUpdate)
		assert.ErrorIs(t, store.Update(ctx, Token(4), session.Fields{session.FieldActive: false}), session.ErrNotFound)
	})

	t.Run("add device", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		token := Token(5)
		require.NoError(t, store.Create(ctx, NewSession(token, "usr_a", time.Now())))

		d := session.Device{ID: "dev_b", Role: session.RoleSecondary, JoinedAt: time.Now()}
		require.NoError(t, store.AddDevice(ctx, token, d))
		require.NoError(t, store.AddDevice(ctx, token, d))

		got, err := store.Get(ctx, token)
		require.NoError(t, err)
		assert.Len(t, got.Devices, 2)
		assert.True(t, got.HasDevice("dev_b"))
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		token := Token(6)
		require.NoError(t, store.Create(ctx, NewSession(token, "usr_a", time.Now())))
		require.NoError(t, store.Delete(ctx, token))
		_, err := store.Get(ctx, token)
		assert.ErrorIs(t, err, session.ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, token), session.ErrNotFound)
	})

	t.Run("owner index", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.OwnerSession(ctx, "usr_a")
		assert.ErrorIs(t, err, session.ErrNotFound)

		require.NoError(t, store.SetOwnerSession(ctx, "usr_a", Token(7)))
		got, err := store.OwnerSession(ctx, "usr_a")
		require.NoError(t, err)
		assert.Equal(t, Token(7), got)

		require.NoError(t, store.SetOwnerSession(ctx, "usr_a", ""))
		_, err = store.OwnerSession(ctx, "usr_a")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("list expired", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		now := time.Now()

		require.NoError(t, store.Create(ctx, session.New(Token(8), "usr_a", "dev", time.Hour, now.Add(-3*time.Hour))))
		require.NoError(t, store.Create(ctx, session.New(Token(9), "usr_b", "dev", time.Hour, now.Add(-2*time.Hour))))
		require.NoError(t, store.Create(ctx, session.New(Token(10), "usr_c", "dev", time.Hour, now)))

		expired, err := store.ListExpired(ctx, now, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{Token(8), Token(9)}, expired)

		limited, err := store.ListExpired(ctx, now, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{Token(8)}, limited)
	})

	t.Run("watch session", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := newStore(t)
		token := Token(11)
		require.NoError(t, store.Create(ctx, NewSession(token, "usr_a", time.Now())))

		updates, err := store.Watch(ctx, session.SessionPath(token))
		require.NoError(t, err)

		first := next(t, updates)
		require.NotNil(t, first.Data)

		require.NoError(t, store.Update(ctx, token, session.Fields{session.FieldMonitoringActive: true}))
		WaitFor(t, updates, func(snap session.Snapshot) bool {
			s, err := session.Decode(token, snap.Data)
			return err == nil && s.MonitoringActive
		})

		require.NoError(t, store.Delete(ctx, token))
		WaitFor(t, updates, func(snap session.Snapshot) bool { return snap.Data == nil })

		cancel()
		WaitClosed(t, updates)
	})

	t.Run("watch alarm", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := newStore(t)
		token := Token(12)
		require.NoError(t, store.Create(ctx, NewSession(token, "usr_a", time.Now())))

		alarms, err := store.Watch(ctx, session.AlarmPath(token))
		require.NoError(t, err)
		assert.Nil(t, next(t, alarms).Data)

		alarm := &anchor.AlarmEvent{ID: "alm_9", Type: anchor.AlarmDriftExceeded, Severity: anchor.SeverityAlarm}
		require.NoError(t, store.Update(ctx, token, session.Fields{session.FieldAlarm: alarm}))
		WaitFor(t, alarms, func(snap session.Snapshot) bool {
			a, err := session.DecodeAlarm(snap.Data)
			return err == nil && a != nil && a.ID == "alm_9"
		})
	})

	t.Run("watch rejects bad path", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Watch(context.Background(), session.Path("sessions/short"))
		assert.ErrorIs(t, err, session.ErrInvalidToken)
	})
}

func next(t *testing.T, ch <-chan session.Snapshot) session.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch closed")
		return snap
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return session.Snapshot{}
	}
}

// WaitFor reads snapshots until match returns true and returns the matching one.
func WaitFor(t *testing.T, ch <-chan session.Snapshot, match func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			require.True(t, ok, "watch closed")
			if match(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching snapshot")
			return session.Snapshot{}
		}
	}
}

// WaitClosed drains ch until it is closed.
func WaitClosed(t *testing.T, ch <-chan session.Snapshot) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch not closed")
		}
	}
}
