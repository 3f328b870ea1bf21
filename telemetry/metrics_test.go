package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithPrometheus(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, Config{
		ServiceName:      "offline-cache-test",
		EnablePrometheus: true,
	})
	require.NoError(t, err)

	// Instruments built from the shared meter register without error.
	counter, err := Meter().Int64Counter("offline_cache_test_total")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, shutdown(ctx))

	// After shutdown the handler degrades to 404 rather than panicking.
	rec = httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
