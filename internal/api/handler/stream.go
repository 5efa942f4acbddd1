package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
	"github.com/anchorwatch/anchorwatch/internal/session"
)

const writeWait = 10 * time.Second

// StreamConfig configures a StreamHandler.
type StreamConfig struct {
	Store   session.Store
	Logger  zerolog.Logger
	Metrics *middleware.Metrics

	// PingInterval is how often idle streams are pinged. Default: 30 seconds
	PingInterval time.Duration

	Now func() time.Time
}

// StreamHandler pushes session changes over websockets. Each connection first receives
// the current value at its path, then every change.
type StreamHandler struct {
	store        session.Store
	logger       zerolog.Logger
	metrics      *middleware.Metrics
	pingInterval time.Duration
	now          func() time.Time
	upgrader     websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(cfg StreamConfig) *StreamHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &StreamHandler{
		store:        cfg.Store,
		logger:       cfg.Logger.With().Str("handler", "stream").Logger(),
		metrics:      cfg.Metrics,
		pingInterval: cfg.PingInterval,
		now:          cfg.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers are native clients authenticated by bearer token, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// StreamSession handles GET /v1/sessions/{token}/stream.
func (h *StreamHandler) StreamSession(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

// StreamAlarm handles GET /v1/sessions/{token}/alarm/stream.
func (h *StreamHandler) StreamAlarm(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, alarm bool) {
	token, ok := tokenParam(w, r)
	if !ok {
		return
	}
	s, err := h.store.Get(r.Context(), token)
	if err != nil {
		writeStoreError(w, r, h.logger, "get", err)
		return
	}
	if !CanRead(s, callerID(r), h.now()) {
		writeStoreError(w, r, h.logger, "get", session.ErrPermissionDenied)
		return
	}

	path, kind := session.SessionPath(token), "session"
	if alarm {
		path, kind = session.AlarmPath(token), "alarm"
	}

	// The request context outlives the hijacked connection, so the stream has its own.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	snaps, err := h.store.Watch(ctx, path)
	if err != nil {
		writeStoreError(w, r, h.logger, "watch", err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		return
	}
	defer conn.Close()

	h.metrics.StreamOpened(ctx, kind)
	defer h.metrics.StreamClosed(ctx, kind)

	log := h.logger.With().
		Str("token", session.Redact(token)).
		Str("kind", kind).
		Str("user_id", callerID(r)).
		Logger()
	log.Debug().Msg("stream opened")

	go h.readPump(ctx, cancel, conn)
	err = h.writePump(ctx, conn, snaps)
	log.Debug().Err(err).Msg("stream closed")
}

// readPump consumes control frames and cancels the stream when the peer goes away.
func (h *StreamHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	conn.SetReadLimit(512)
	pongWait := 2 * h.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) writePump(ctx context.Context, conn *websocket.Conn, snaps <-chan session.Snapshot) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-snaps:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
					time.Now().Add(writeWait))
				return nil
			}
			msg, err := session.EncodeSnapshot(snap)
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}
