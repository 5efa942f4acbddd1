package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/anchorwatch/anchorwatch/internal/session"
)

// Logger logs one line per request once the handler returns. Server errors log at warn;
// websocket streams log when the connection closes.
func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			event := log.Info()
			if rec.statusCode >= http.StatusInternalServerError {
				event = log.Warn()
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				event = event.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
			}
			event.
				Str("request_id", GetRequestID(r.Context())).
				Str("method", r.Method).
				Str("path", redactPath(r.URL.Path)).
				Int("status", rec.statusCode).
				Int64("bytes", rec.written).
				Dur("duration", time.Since(start)).
				Bool("upgraded", rec.hijacked).
				Str("remote_addr", r.RemoteAddr).
				Str("user_agent", r.UserAgent()).
				Msg("request completed")
		})
	}
}

// redactPath shortens session tokens in a request path. A token grants read access to
// its session, so full tokens stay out of logs.
func redactPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if session.ValidToken(p) {
			parts[i] = session.Redact(p)
		}
	}
	return strings.Join(parts, "/")
}
