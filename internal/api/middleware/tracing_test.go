package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing(t *testing.T) {
	token := "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"

	tests := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, span sdktrace.ReadOnlySpan)
	}{
		{
			name:   "names span after route",
			path:   "/v1/sessions/" + token,
			status: http.StatusOK,
			check: func(t *testing.T, span sdktrace.ReadOnlySpan) {
				assert.Equal(t, "GET /v1/sessions/{token}", span.Name())
				for _, kv := range span.Attributes() {
					assert.NotContains(t, kv.Value.Emit(), token, "attribute %s leaks the session token", kv.Key)
				}
			},
		},
		{
			name:   "unmatched route",
			path:   "/nowhere",
			status: http.StatusNotFound,
			check: func(t *testing.T, span sdktrace.ReadOnlySpan) {
				assert.Equal(t, "GET unmatched", span.Name())
				v, ok := spanAttr(span, "http.response.status_code")
				require.True(t, ok)
				assert.Equal(t, int64(http.StatusNotFound), v.AsInt64())
				assert.Equal(t, codes.Unset, span.Status().Code)
			},
		},
		{
			name:   "server error marks span",
			path:   "/v1/sessions/" + token + "/fail",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, span sdktrace.ReadOnlySpan) {
				assert.Equal(t, codes.Error, span.Status().Code)
				assert.Equal(t, "Service Unavailable", span.Status().Description)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := setupTestTracer(t)

			r := chi.NewRouter()
			r.Use(middleware.Tracing("anchorwatch-api"))
			r.Get("/v1/sessions/{token}", func(w http.ResponseWriter, r *http.Request) {
				assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
				w.WriteHeader(http.StatusOK)
			})
			r.Get("/v1/sessions/{token}/fail", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			})

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
			assert.Equal(t, tt.status, rec.Code)

			spans := sr.Ended()
			require.Len(t, spans, 1)
			tt.check(t, spans[0])
		})
	}
}

func TestTracing_ContinuesTraceAndTagsRequestID(t *testing.T) {
	sr := setupTestTracer(t)

	h := middleware.RequestID(middleware.Tracing("anchorwatch-api")(okHandler()))
	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "b7ad6b7169203331", spans[0].Parent().SpanID().String())

	id, ok := spanAttr(spans[0], "request.id")
	require.True(t, ok)
	assert.Contains(t, id.AsString(), "req_")
}
