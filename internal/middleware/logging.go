// Package middleware provides the Echo middleware stack of the proxy.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"devproxy/internal/model"
)

// RequestLogger returns an Echo middleware that logs one line per request.
// Requests answered by the proxy handler also carry how they were answered:
// relayed, backend_unavailable or forward_error.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Get(model.RequestIDKey),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if outcome, ok := c.Get(model.OutcomeKey).(string); ok {
				attrs = append(attrs, "outcome", outcome)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
