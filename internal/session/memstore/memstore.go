// Package memstore is an in-process session store with realtime watches.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

// Store keeps raw documents in memory. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	docs     map[string][]byte
	owners   map[string]string
	watchers map[session.Path]map[int]chan session.Snapshot
	nextID   int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		docs:     make(map[string][]byte),
		owners:   make(map[string]string),
		watchers: make(map[session.Path]map[int]chan session.Snapshot),
	}
}

// Create stores a new session.
func (s *Store) Create(_ context.Context, sess *session.Session) error {
	if !session.ValidToken(sess.Token) {
		return session.ErrInvalidToken
	}
	raw, err := session.Encode(sess)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[sess.Token]; ok {
		return session.ErrAlreadyExists
	}
	s.docs[sess.Token] = raw
	s.notifyLocked(sess.Token, raw, true)
	return nil
}

// Get returns the decoded session.
func (s *Store) Get(_ context.Context, token string) (*session.Session, error) {
	s.mu.RLock()
	raw, ok := s.docs[token]
	s.mu.RUnlock()

	if !ok {
		return nil, session.ErrNotFound
	}
	return session.Decode(token, raw)
}

// Probe reports whether the session exists.
func (s *Store) Probe(_ context.Context, token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.docs[token]; !ok {
		return session.ErrNotFound
	}
	return nil
}

// Update applies a partial update.
func (s *Store) Update(_ context.Context, token string, fields session.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[token]
	if !ok {
		return session.ErrNotFound
	}
	next, err := session.ApplyFields(token, raw, fields)
	if err != nil {
		return err
	}
	s.docs[token] = next
	s.notifyLocked(token, next, fields.Has(session.FieldAlarm))
	return nil
}

// AddDevice appends a device entry.
func (s *Store) AddDevice(_ context.Context, token string, d session.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[token]
	if !ok {
		return session.ErrNotFound
	}
	next, err := session.ApplyDevice(token, raw, d)
	if err != nil {
		return err
	}
	s.docs[token] = next
	s.notifyLocked(token, next, false)
	return nil
}

// Delete removes a session.
func (s *Store) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[token]; !ok {
		return session.ErrNotFound
	}
	delete(s.docs, token)
	s.notifyLocked(token, nil, true)
	return nil
}

// Put stores a raw document as-is, bypassing validation. Used to simulate foreign or corrupted writes.
func (s *Store) Put(token string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[token] = raw
	s.notifyLocked(token, raw, true)
}

// Watch streams the value at path.
func (s *Store) Watch(ctx context.Context, path session.Path) (<-chan session.Snapshot, error) {
	_, token, alarm, err := session.ParsePath(string(path))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan session.Snapshot, 1)
	if s.watchers[path] == nil {
		s.watchers[path] = make(map[int]chan session.Snapshot)
	}
	s.watchers[path][id] = ch

	raw := s.docs[token]
	if alarm {
		raw = session.AlarmData(raw)
	}
	ch <- session.Snapshot{Path: path, Data: raw}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[path], id)
		if len(s.watchers[path]) == 0 {
			delete(s.watchers, path)
		}
		close(ch)
	}()
	return ch, nil
}

// SetOwnerSession maps ownerID to token.
func (s *Store) SetOwnerSession(_ context.Context, ownerID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token == "" {
		delete(s.owners, ownerID)
		return nil
	}
	s.owners[ownerID] = token
	return nil
}

// OwnerSession returns the token owned by ownerID.
func (s *Store) OwnerSession(_ context.Context, ownerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.owners[ownerID]
	if !ok {
		return "", session.ErrNotFound
	}
	return token, nil
}

// ListExpired returns tokens whose expiry is at or before now, oldest first.
func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		token   string
		expires time.Time
	}
	var expired []entry
	for token, raw := range s.docs {
		exp, ok := session.ExpiresAt(raw)
		if !ok || !now.Before(exp) {
			expired = append(expired, entry{token, exp})
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].expires.Before(expired[j].expires) })

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	out := make([]string, len(expired))
	for i, e := range expired {
		out[i] = e.token
	}
	return out, nil
}

// notifyLocked delivers the new document to session watchers and, when alarmChanged,
// the alarm slot to alarm watchers. Slow watchers only see the latest value.
func (s *Store) notifyLocked(token string, raw []byte, alarmChanged bool) {
	deliver(s.watchers[session.SessionPath(token)], session.Snapshot{Path: session.SessionPath(token), Data: raw})
	if alarmChanged {
		deliver(s.watchers[session.AlarmPath(token)], session.Snapshot{Path: session.AlarmPath(token), Data: session.AlarmData(raw)})
	}
}

func deliver(subs map[int]chan session.Snapshot, snap session.Snapshot) {
	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

var _ session.Store = (*Store)(nil)
