package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"forum/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTracer, prevProp := observability.Tracer, otel.GetTextMapPropagator()
	observability.Tracer = tp.Tracer("test")
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		observability.Tracer = prevTracer
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracingMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(TracingMiddleware())
	app.Get("/posts/:id", func(c *fiber.Ctx) error {
		c.Locals(LocalUID, "uid-ana")
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/users/:handle", func(c *fiber.Ctx) error {
		return fiber.ErrNotFound
	})
	app.Get("/broken", func(c *fiber.Ctx) error {
		return errors.New("redis: connection refused")
	})

	t.Run("names the span after the route", func(t *testing.T) {
		rec := recordSpans(t)
		req := httptest.NewRequest(http.MethodGet, "/posts/p1", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

		resp, err := app.Test(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		spans := rec.Ended()
		require.Len(t, spans, 1)
		span := spans[0]
		assert.Equal(t, "forum.http GET /posts/:id", span.Name())
		assert.Equal(t, trace.SpanKindServer, span.SpanKind())
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
		assert.Equal(t, span.SpanContext().TraceID().String(), resp.Header.Get(HeaderTraceID))

		attrs := spanAttrs(span)
		assert.Equal(t, "/posts/:id", attrs["http.route"].AsString())
		assert.Equal(t, "p1", attrs[observability.AttrPostID].AsString())
		assert.Equal(t, "uid-ana", attrs[observability.AttrUID].AsString())
		assert.Equal(t, int64(http.StatusNoContent), attrs["http.response.status_code"].AsInt64())
		assert.Equal(t, codes.Unset, span.Status().Code)
	})

	t.Run("client errors keep an unset status", func(t *testing.T) {
		rec := recordSpans(t)
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/users/ana", nil))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		spans := rec.Ended()
		require.Len(t, spans, 1)
		attrs := spanAttrs(spans[0])
		assert.Equal(t, "ana", attrs[observability.AttrHandle].AsString())
		assert.Equal(t, int64(http.StatusNotFound), attrs["http.response.status_code"].AsInt64())
		assert.Equal(t, codes.Unset, spans[0].Status().Code)
	})

	t.Run("server errors mark the span failed", func(t *testing.T) {
		rec := recordSpans(t)
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/broken", nil))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		spans := rec.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.NotContains(t, spans[0].Status().Description, "redis")
		assert.Equal(t, int64(http.StatusInternalServerError), spanAttrs(spans[0])["http.response.status_code"].AsInt64())
	})
}
