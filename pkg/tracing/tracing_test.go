package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewarePropagatesContext(t *testing.T) {
	provider, err := InitTracer(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	traceID := "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen trace.SpanContext

	r := mux.NewRouter()
	r.Use(HTTPMiddleware(provider))
	r.HandleFunc("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanContextFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/abc", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, traceID, seen.TraceID().String())
}

func TestInjectHTTPHeaders(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	InjectHTTPHeaders(ctx, req)
	assert.Contains(t, req.Header.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Endpoint: "localhost:4318"}.Enabled())
}
