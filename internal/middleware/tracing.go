package middleware

import (
	"errors"

	"forum/internal/observability"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HeaderTraceID carries the request's trace id back to the client.
const HeaderTraceID = "X-Trace-ID"

// TracingMiddleware opens one server span per request. The span is renamed
// to "forum.http <METHOD> <route>" once routing has matched, so every post
// shares the span name of its route template.
func TracingMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), propagation.HeaderCarrier(c.GetReqHeaders()))

		ctx, span := observability.Tracer.Start(ctx, "forum.http "+c.Method(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Method()),
				attribute.String("url.path", c.Path()),
				attribute.String("client.address", c.IP()),
				attribute.String("user_agent.original", c.Get(fiber.HeaderUserAgent)),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		c.Locals("traceID", traceID)
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			span.SetAttributes(observability.AttrRequestID.String(rid))
		}
		c.Set(HeaderTraceID, traceID)
		c.SetUserContext(ctx)

		err := c.Next()

		route := c.Route().Path
		span.SetName("forum.http " + c.Method() + " " + route)
		span.SetAttributes(attribute.String("http.route", route))

		if id := c.Params("id"); id != "" {
			span.SetAttributes(observability.AttrPostID.String(id))
		}
		if handle := c.Params("handle"); handle != "" {
			span.SetAttributes(observability.AttrHandle.String(handle))
		}
		if uid := UID(c); uid != "" {
			span.SetAttributes(observability.AttrUID.String(uid))
		}

		status := c.Response().StatusCode()
		if err != nil {
			span.RecordError(err)
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, fiber.ErrInternalServerError.Message)
		}

		return err
	}
}
