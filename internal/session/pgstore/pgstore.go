// Package pgstore implements session.Store on PostgreSQL. Documents live in a JSONB
// column and watchers are driven by LISTEN/NOTIFY.
package pgstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

// NotifyChannel carries the token of every changed session.
const NotifyChannel = "anchorwatch_sessions"

// Store is a PostgreSQL session store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on pool. The schema from database.Migrate must be applied.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create stores a new session.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	if !session.ValidToken(sess.Token) {
		return session.ErrInvalidToken
	}
	raw, err := session.Encode(sess)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO pairing_sessions (token, doc, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (token) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, sess.Token, raw, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrAlreadyExists
	}
	if err := notify(ctx, tx, sess.Token); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get returns the decoded session.
func (s *Store) Get(ctx context.Context, token string) (*session.Session, error) {
	raw, err := s.read(ctx, token)
	if err != nil {
		return nil, err
	}
	return session.Decode(token, raw)
}

func (s *Store) read(ctx context.Context, token string) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM pairing_sessions WHERE token = $1`, token).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

// Probe reports whether the session exists.
func (s *Store) Probe(ctx context.Context, token string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pairing_sessions WHERE token = $1)`, token).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return session.ErrNotFound
	}
	return nil
}

// Update applies a partial update under a row lock.
func (s *Store) Update(ctx context.Context, token string, fields session.Fields) error {
	return s.mutate(ctx, token, func(raw []byte) ([]byte, error) {
		return session.ApplyFields(token, raw, fields)
	})
}

// AddDevice appends or refreshes a device entry.
func (s *Store) AddDevice(ctx context.Context, token string, d session.Device) error {
	return s.mutate(ctx, token, func(raw []byte) ([]byte, error) {
		return session.ApplyDevice(token, raw, d)
	})
}

func (s *Store) mutate(ctx context.Context, token string, apply func([]byte) ([]byte, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT doc FROM pairing_sessions WHERE token = $1 FOR UPDATE`, token).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.ErrNotFound
		}
		return err
	}

	next, err := apply(raw)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE pairing_sessions SET doc = $2, updated_at = now() WHERE token = $1`, token, next); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if err := notify(ctx, tx, token); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, token string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM pairing_sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	if err := notify(ctx, tx, token); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notify(ctx context.Context, tx pgx.Tx, token string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, token); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Watch streams the value at path. It holds one pooled connection for the lifetime
// of the watch.
func (s *Store) Watch(ctx context.Context, path session.Path) (<-chan session.Snapshot, error) {
	_, token, alarm, err := session.ParsePath(string(path))
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	out := make(chan session.Snapshot, 1)
	go func() {
		defer close(out)
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			conn.Release()
		}()

		var last []byte
		sent := false
		emit := func() bool {
			raw, err := s.read(ctx, token)
			switch {
			case errors.Is(err, session.ErrNotFound):
				raw = nil
			case err != nil:
				return false
			}
			if alarm {
				raw = session.AlarmData(raw)
				if sent && bytes.Equal(raw, last) {
					return true
				}
			}
			last, sent = raw, true
			select {
			case <-out:
			default:
			}
			out <- session.Snapshot{Path: path, Data: raw}
			return true
		}

		if !emit() {
			return
		}
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			if n.Payload != token {
				continue
			}
			if !emit() {
				return
			}
		}
	}()
	return out, nil
}

// SetOwnerSession maps ownerID to token.
func (s *Store) SetOwnerSession(ctx context.Context, ownerID, token string) error {
	if token == "" {
		_, err := s.pool.Exec(ctx, `DELETE FROM session_owners WHERE owner_id = $1`, ownerID)
		return err
	}
	query := `
		INSERT INTO session_owners (owner_id, token)
		VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET token = EXCLUDED.token
	`
	_, err := s.pool.Exec(ctx, query, ownerID, token)
	return err
}

// OwnerSession returns the token owned by ownerID.
func (s *Store) OwnerSession(ctx context.Context, ownerID string) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, `SELECT token FROM session_owners WHERE owner_id = $1`, ownerID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", session.ErrNotFound
		}
		return "", err
	}
	return token, nil
}

// ListExpired returns tokens whose expiry is at or before now, oldest first.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT token FROM pairing_sessions
		WHERE expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	tokens, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return tokens, nil
}

var _ session.Store = (*Store)(nil)
