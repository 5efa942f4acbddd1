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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/anchorwatch/anchorwatch/internal/api/middleware"
)

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return reader
}

// int64Sum returns the data points of the named int64 sum instrument.
func int64Sum(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			return sum.DataPoints
		}
	}
	return nil
}

func TestNewMetrics(t *testing.T) {
	setupTestMeter(t)
	metrics, err := middleware.NewMetrics()
	require.NoError(t, err)
	assert.NotNil(t, metrics)
}

func TestMetrics_Middleware_PassesThrough(t *testing.T) {
	setupTestMeter(t)
	metrics, err := middleware.NewMetrics()
	require.NoError(t, err)

	handler := metrics.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test/path", http.NoBody)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestMetrics_Middleware_UsesRoutePattern(t *testing.T) {
	reader := setupTestMeter(t)
	metrics, err := middleware.NewMetrics()
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(metrics.Middleware())
	r.Get("/v1/sessions/{token}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/ABCDEFGHIJKLMNOPQRSTUVWXYZ012345", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	points := int64Sum(t, reader, "http.server.request.total")
	require.Len(t, points, 1)
	assert.Equal(t, int64(1), points[0].Value)

	route, ok := points[0].Attributes.Value("http.route")
	require.True(t, ok)
	assert.Equal(t, "/v1/sessions/{token}", route.AsString())

	status, ok := points[0].Attributes.Value("http.status_code")
	require.True(t, ok)
	assert.Equal(t, "404", status.AsString())

	errAttr, ok := points[0].Attributes.Value("error")
	require.True(t, ok)
	assert.True(t, errAttr.AsBool())
}

func TestMetrics_Middleware_UnmatchedRoute(t *testing.T) {
	reader := setupTestMeter(t)
	metrics, err := middleware.NewMetrics()
	require.NoError(t, err)

	handler := metrics.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/anything", http.NoBody))

	points := int64Sum(t, reader, "http.server.request.total")
	require.Len(t, points, 1)
	route, _ := points[0].Attributes.Value("http.route")
	assert.Equal(t, "unmatched", route.AsString())
}

func TestMetrics_Streams(t *testing.T) {
	reader := setupTestMeter(t)
	metrics, err := middleware.NewMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	metrics.StreamOpened(ctx, "session")
	metrics.StreamOpened(ctx, "session")
	metrics.StreamOpened(ctx, "alarm")
	metrics.StreamClosed(ctx, "session")

	byKind := map[string]int64{}
	for _, p := range int64Sum(t, reader, "session.stream.open") {
		kind, _ := p.Attributes.Value("stream.kind")
		byKind[kind.AsString()] = p.Value
	}
	assert.Equal(t, map[string]int64{"session": 1, "alarm": 1}, byKind)
}

func TestMetrics_NilStreamsAreNoop(t *testing.T) {
	var metrics *middleware.Metrics
	assert.NotPanics(t, func() {
		metrics.StreamOpened(context.Background(), "session")
		metrics.StreamClosed(context.Background(), "session")
	})
}
