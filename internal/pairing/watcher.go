package pairing

import (
	"context"
	"errors"
	"time"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

// startWatcher observes token until it ends. Callers hold ops.
func (m *Manager) startWatcher(token string) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{token: token, cancel: cancel, done: make(chan struct{})}
	m.watch = w
	go m.watchSession(ctx, w)
}

// stopWatcher cancels the watcher and waits for it to exit. Callers hold ops; the
// watcher never takes ops itself, so the wait cannot deadlock.
func (m *Manager) stopWatcher() {
	if m.watch == nil {
		return
	}
	m.watch.cancel()
	<-m.watch.done
	m.watch = nil
}

// watchSession follows the joined session document. A deleted, corrupted, inactive or
// expired session triggers an automatic disconnect. When the stream drops the session
// is re-read directly and the stream reopened on the next health tick.
func (m *Manager) watchSession(ctx context.Context, w *watcher) {
	defer close(w.done)

	log := m.logger.With().Str("token", session.Redact(w.token)).Logger()
	ticker := time.NewTicker(m.settings.Current().SessionHealthInterval)
	defer ticker.Stop()

	var (
		updates <-chan session.Snapshot
		last    *session.Session
		reopen  = true
	)

	for {
		if updates == nil && reopen {
			reopen = false
			ch, err := m.store.Watch(ctx, session.SessionPath(w.token))
			switch {
			case err == nil:
				updates = ch
			case ctx.Err() != nil:
				return
			case sessionGone(err):
				m.leave(w, goneReason(err))
				return
			default:
				log.Debug().Err(err).Msg("session watch failed, retrying on next health check")
			}
		}

		select {
		case <-ctx.Done():
			return

		case snap, ok := <-updates:
			if !ok {
				updates = nil
				if ctx.Err() != nil {
					return
				}
				if reason := m.recheck(ctx, w.token); reason != "" {
					m.leave(w, reason)
					return
				}
				continue
			}
			s, reason := m.evaluate(w.token, snap)
			if reason != "" {
				m.leave(w, reason)
				return
			}
			last = s

		case <-ticker.C:
			if last != nil && !last.Live(m.now()) {
				m.leave(w, "expired")
				return
			}
			if updates == nil {
				if reason := m.recheck(ctx, w.token); reason != "" {
					m.leave(w, reason)
					return
				}
				reopen = true
			}
		}
	}
}

func (m *Manager) evaluate(token string, snap session.Snapshot) (*session.Session, string) {
	if snap.Data == nil {
		return nil, "deleted"
	}
	s, err := session.Decode(token, snap.Data)
	if err != nil {
		return nil, "corrupted"
	}
	if !s.Live(m.now()) {
		return nil, "inactive"
	}
	return s, ""
}

// recheck reads the session directly. It returns a disconnect reason, or "" when the
// session is live or the read failed transiently.
func (m *Manager) recheck(ctx context.Context, token string) string {
	s, err := m.store.Get(ctx, token)
	if err != nil {
		if sessionGone(err) {
			return goneReason(err)
		}
		m.logger.Debug().Err(err).Str("token", session.Redact(token)).Msg("session recheck failed")
		return ""
	}
	if !s.Live(m.now()) {
		return "inactive"
	}
	return ""
}

func goneReason(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "deleted"
	case errors.Is(err, session.ErrCorrupted):
		return "corrupted"
	}
	return "access revoked"
}

// leave disconnects asynchronously so the exiting watcher never waits on ops.
func (m *Manager) leave(w *watcher, reason string) {
	m.leaving.Add(1)
	go func() {
		defer m.leaving.Done()
		m.autoDisconnect(w, reason)
	}()
}

func (m *Manager) autoDisconnect(w *watcher, reason string) {
	m.ops.Lock()
	defer m.ops.Unlock()
	if m.closed || m.watch != w {
		return
	}
	w.cancel()
	m.watch = nil

	st := m.State()
	if st.RemoteToken != w.token {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), autoDisconnectBudget)
	defer cancel()
	m.disconnectLocked(ctx, st, reason)
}
