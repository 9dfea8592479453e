package middleware

import (
	"log/slog"
	"time"

	"forum/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// ContextMiddleware copies the request and trace ids from Fiber locals into
// the request context so the context-aware logger picks them up in the
// services.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		if rid, ok := c.Locals("requestid").(string); ok {
			ctx = observability.WithRequestID(ctx, rid)
		}
		if tid, ok := c.Locals("traceID").(string); ok {
			ctx = observability.WithTraceID(ctx, tid)
		}

		c.SetUserContext(ctx)
		return c.Next()
	}
}

// StructuredLogger returns a Fiber middleware for logging requests using slog
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		fields := []any{
			slog.Int("status", c.Response().StatusCode()),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
			slog.String("user_agent", c.Get("User-Agent")),
		}
		if uid := UID(c); uid != "" {
			fields = append(fields, slog.String("uid", uid))
		}

		if err != nil {
			fields = append(fields, slog.String("error", err.Error()))
			observability.GlobalLogger.ErrorContext(c.UserContext(), "request failed", fields...)
		} else {
			observability.GlobalLogger.InfoContext(c.UserContext(), "request processed", fields...)
		}

		return err
	}
}
