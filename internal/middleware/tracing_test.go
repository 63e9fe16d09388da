package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingMiddlewareSetsRequestID(t *testing.T) {
	var seen string
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, seen, 27)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "unknown", GetRequestID(req.Context()))
}

func TestErrorRecoveryMiddleware(t *testing.T) {
	handler := ErrorRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	called := false
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/crdt/merge", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, called)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.True(t, called)
}

func TestWrapperHijackWithoutSupport(t *testing.T) {
	w := &responseWriterWrapper{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	_, _, err := w.Hijack()
	assert.Error(t, err)
}

func TestTracingMiddlewareRecordsRouteAndDocument(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	router := mux.NewRouter()
	router.Use(TracingMiddleware)
	router.HandleFunc("/api/workspaces/{workspace}/docs/{doc}", func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")
	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {}).Methods("GET")

	for _, path := range []string{
		"/api/workspaces/ws1/docs/page:intro",
		"/api/workspaces/ws1/docs/ws1",
		"/api/workspaces/ws1/docs/a:b:c:d:e",
		"/api/health",
	} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := recorder.Ended()
	require.Len(t, spans, 4)

	attrs := func(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
		out := make(map[attribute.Key]string)
		for _, kv := range span.Attributes() {
			out[kv.Key] = kv.Value.Emit()
		}
		return out
	}

	page := attrs(spans[0])
	assert.Equal(t, "GET /api/workspaces/{workspace}/docs/{doc}", spans[0].Name())
	assert.Equal(t, "/api/workspaces/{workspace}/docs/{doc}", page["http.route"])
	assert.Equal(t, "ws1", page["doc.workspace"])
	assert.Equal(t, "ws1:page:intro", page["doc.address"])
	assert.Equal(t, "page", page["doc.variant"])

	workspace := attrs(spans[1])
	assert.Equal(t, "ws1", workspace["doc.address"])
	assert.Equal(t, "workspace", workspace["doc.variant"])

	invalid := attrs(spans[2])
	assert.Equal(t, "true", invalid["doc.invalid"])
	assert.Equal(t, "a:b:c:d:e", invalid["doc.raw"])
	assert.NotContains(t, invalid, attribute.Key("doc.address"))

	health := attrs(spans[3])
	assert.Equal(t, "GET /api/health", spans[3].Name())
	assert.NotContains(t, health, attribute.Key("doc.workspace"))
}
