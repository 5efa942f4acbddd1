// Package redisstore implements session.Store on Redis. Documents are stored as JSON
// strings, expiry is indexed in a sorted set, and change notifications use pub/sub.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

const maxTxRetries = 8

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	db, _ := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
	return Config{
		Addr:      getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		KeyPrefix: getEnvOrDefault("REDIS_KEY_PREFIX", "anchorwatch:"),
	}
}

// Connect opens a client and verifies the server is reachable.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Store is a Redis-backed session store.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New creates a store using keys under prefix.
func New(rdb *redis.Client, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) docKey(token string) string   { return s.prefix + "session:" + token }
func (s *Store) ownerKey(owner string) string { return s.prefix + "owner:" + owner }
func (s *Store) expiryKey() string            { return s.prefix + "session_expiry" }
func (s *Store) channel(token string) string  { return s.prefix + "changes:" + token }

// Create stores a new session.
func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	if !session.ValidToken(sess.Token) {
		return session.ErrInvalidToken
	}
	raw, err := session.Encode(sess)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, s.docKey(sess.Token), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return session.ErrAlreadyExists
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.expiryKey(), &redis.Z{
			Score:  float64(sess.ExpiresAt.UnixMilli()),
			Member: sess.Token,
		})
		pipe.Publish(ctx, s.channel(sess.Token), "create")
		return nil
	})
	if err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

// Get returns the decoded session.
func (s *Store) Get(ctx context.Context, token string) (*session.Session, error) {
	raw, err := s.rdb.Get(ctx, s.docKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session.Decode(token, raw)
}

// Probe reports whether the session exists.
func (s *Store) Probe(ctx context.Context, token string) error {
	n, err := s.rdb.Exists(ctx, s.docKey(token)).Result()
	if err != nil {
		return fmt.Errorf("probe session: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Update applies a partial update atomically.
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

// mutate runs an optimistic read-modify-write on the document, retrying on conflicts.
func (s *Store) mutate(ctx context.Context, token string, apply func(raw []byte) ([]byte, error)) error {
	key := s.docKey(token)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		next, err := apply(raw)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			pipe.Publish(ctx, s.channel(token), "update")
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update session %s: too many concurrent writers", session.Redact(token))
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, token string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.docKey(token))
		pipe.ZRem(ctx, s.expiryKey(), token)
		pipe.Publish(ctx, s.channel(token), "delete")
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if del.Val() == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Watch streams the value at path. Each notification triggers a fresh read so a
// slow consumer always converges on the stored value.
func (s *Store) Watch(ctx context.Context, path session.Path) (<-chan session.Snapshot, error) {
	_, token, alarm, err := session.ParsePath(string(path))
	if err != nil {
		return nil, err
	}

	ps := s.rdb.Subscribe(ctx, s.channel(token))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan session.Snapshot, 1)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		var last []byte
		sent := false

		emit := func() bool {
			raw, err := s.rdb.Get(ctx, s.docKey(token)).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
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
			offer(out, session.Snapshot{Path: path, Data: raw})
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok || !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

// offer replaces any unread snapshot with snap.
func offer(ch chan session.Snapshot, snap session.Snapshot) {
	select {
	case <-ch:
	default:
	}
	ch <- snap
}

// SetOwnerSession maps ownerID to token.
func (s *Store) SetOwnerSession(ctx context.Context, ownerID, token string) error {
	var err error
	if token == "" {
		err = s.rdb.Del(ctx, s.ownerKey(ownerID)).Err()
	} else {
		err = s.rdb.Set(ctx, s.ownerKey(ownerID), token, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("set owner session: %w", err)
	}
	return nil
}

// OwnerSession returns the token owned by ownerID.
func (s *Store) OwnerSession(ctx context.Context, ownerID string) (string, error) {
	token, err := s.rdb.Get(ctx, s.ownerKey(ownerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", session.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get owner session: %w", err)
	}
	return token, nil
}

// ListExpired returns tokens whose expiry is at or before now, oldest first.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	tokens, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return tokens, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var _ session.Store = (*Store)(nil)
