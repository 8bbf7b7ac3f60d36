// Package middleware provides HTTP middleware for the tally API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/metering/tally/internal/infrastructure/logger"
	"github.com/metering/tally/internal/infrastructure/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxRequestIDLength caps the request ID copied onto spans
const MaxRequestIDLength = 128

// Tracing wraps otelgin and tags each server span with the request ID and,
// when the route has one, the account number. 5xx responses mark the span as failed.
// Place it after logger.GinMiddleware so the request ID is already assigned.
func Tracing(serviceName string, enabled bool) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) { c.Next() }
	}

	return otelgin.Middleware(serviceName, otelgin.WithFilter(func(r *http.Request) bool {
		return r.URL.Path != "/health" && r.URL.Path != "/health/ready"
	}))
}

// SpanEnricher adds request attributes to the active span and marks server errors.
// It runs inside the span started by Tracing.
func SpanEnricher() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			c.Next()
			return
		}

		if id := logger.GetRequestID(c.Request.Context()); id != "" && len(id) <= MaxRequestIDLength {
			span.SetAttributes(attribute.String("http.request_id", id))
		}
		if account := c.Param("account"); account != "" {
			span.SetAttributes(attribute.String(telemetry.SpanAttrAccount, account))
		}

		c.Next()

		if status := c.Writer.Status(); status >= http.StatusInternalServerError {
			msg := http.StatusText(status)
			if len(c.Errors) > 0 {
				msg = c.Errors.Last().Error()
			}
			span.SetStatus(codes.Error, msg)
		}
	}
}
