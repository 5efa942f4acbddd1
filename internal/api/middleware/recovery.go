package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/anchorwatch/anchorwatch/internal/api/models"
)

// Recovery turns a handler panic into a logged 500 problem. http.ErrAbortHandler is
// re-raised for net/http, and a hijacked websocket connection gets no response.
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := newStatusRecorder(w)
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}

				requestID := GetRequestID(r.Context())
				log.Error().
					Str("request_id", requestID).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Bool("hijacked", rec.hijacked).
					Interface("panic", v).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")

				if rec.hijacked {
					return
				}
				problem := models.NewInternalError(requestID, "an unexpected error occurred")
				problem.Instance = r.URL.Path
				problem.Write(w)
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
