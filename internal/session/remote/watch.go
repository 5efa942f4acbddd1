package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/anchorwatch/anchorwatch/internal/resilience"
	"github.com/anchorwatch/anchorwatch/internal/session"
)

// Watch opens a websocket stream for path. A dropped connection is re-established
// with exponential backoff; the server replays the current value on every connect.
// The channel is closed when ctx ends, the session becomes unreadable, or reconnecting
// gives up.
func (c *Client) Watch(ctx context.Context, path session.Path) (<-chan session.Snapshot, error) {
	_, token, alarm, err := session.ParsePath(string(path))
	if err != nil {
		return nil, err
	}

	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	suffix := "/stream"
	if alarm {
		suffix = "/alarm/stream"
	}
	u.Path += "/v1/sessions/" + token + suffix
	endpoint := u.String()

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	out := make(chan session.Snapshot, 1)
	go c.pump(ctx, endpoint, path, conn, out)
	return out, nil
}

func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}

	for attempt := uint64(1); ; attempt++ {
		header := http.Header{"Authorization": {"Bearer " + creds.AccessToken}}
		conn, resp, err := dialer.DialContext(ctx, endpoint, header)
		if err == nil {
			return conn, nil
		}
		if resp == nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt < c.cfg.MaxAuthAttempts {
			resp.Body.Close()
			if creds, err = c.renew(ctx, creds); err != nil {
				return nil, err
			}
			continue
		}
		serr := statusError(resp)
		resp.Body.Close()
		if serr == nil {
			serr = err
		}
		return nil, serr
	}
}

func (c *Client) pump(ctx context.Context, endpoint string, path session.Path, conn *websocket.Conn, out chan session.Snapshot) {
	defer close(out)
	_, token, alarm, _ := session.ParsePath(string(path))
	log := c.logger.With().Str("token", session.Redact(token)).Bool("alarm", alarm).Logger()

	for {
		err := c.readLoop(ctx, conn, path, out)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Debug().Err(err).Msg("watch dropped, reconnecting")

		policy := resilience.WaitRetry(ctx, 250*time.Millisecond, 10*time.Second, c.cfg.ReconnectMaxElapsed)
		err = backoff.Retry(func() error {
			next, err := c.dial(ctx, endpoint)
			if err != nil {
				if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrPermissionDenied) ||
					errors.Is(err, session.ErrCorrupted) {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = next
			return nil
		}, policy)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("watch closed")
			}
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, path session.Path, out chan session.Snapshot) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingWait)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		snap, err := session.DecodeSnapshot(msg)
		if err != nil {
			return err
		}
		if snap.Path != path {
			continue
		}
		select {
		case <-out:
		default:
		}
		out <- snap
	}
}
