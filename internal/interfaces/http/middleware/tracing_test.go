package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/metering/tally/internal/infrastructure/logger"
	"github.com/metering/tally/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func setupTracing(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(t.Context())
	})
	return recorder
}

func newTracedEngine() *gin.Engine {
	r := gin.New()
	r.Use(logger.GinMiddleware(zap.NewNop()), Tracing("tally-test", true), SpanEnricher())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/snapshots/:account", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/fail", func(c *gin.Context) {
		_ = c.Error(errors.New("database unavailable"))
		c.Status(http.StatusInternalServerError)
	})
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	return r
}

func serve(r *gin.Engine, path string) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(logger.RequestIDHeader, "req-7")
	r.ServeHTTP(httptest.NewRecorder(), req)
}

func TestTracing_EnrichesSpan(t *testing.T) {
	recorder := setupTracing(t)
	serve(newTracedEngine(), "/snapshots/acct-9")

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "req-7", attrs["http.request_id"])
	assert.Equal(t, "acct-9", attrs[telemetry.SpanAttrAccount])
}

func TestTracing_MarksServerErrors(t *testing.T) {
	recorder := setupTracing(t)
	r := newTracedEngine()

	serve(r, "/fail")
	serve(r, "/bad")

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.NotEqual(t, codes.Error, spans[1].Status().Code, "client errors leave the span unset")
}

func TestTracing_SkipsHealthProbes(t *testing.T) {
	recorder := setupTracing(t)
	serve(newTracedEngine(), "/health")
	assert.Empty(t, recorder.Ended())
}

func TestTracing_Disabled(t *testing.T) {
	recorder := setupTracing(t)
	r := gin.New()
	r.Use(Tracing("tally-test", false), SpanEnricher())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, recorder.Ended())
}
