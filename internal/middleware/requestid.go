package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"devproxy/internal/model"
)

// RequestID assigns every request an ID, reusing an inbound X-Request-Id
// when present, and stores it in the echo context for logging. The ID is
// echoed as a response header on admin routes only; relayed responses carry
// the backend's headers and nothing else.
func RequestID(adminPrefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(model.RequestIDKey, rid)

			if isAdminPath(c.Request().URL.Path, adminPrefix) {
				c.Response().Header().Set(echo.HeaderXRequestID, rid)
			}
			return next(c)
		}
	}
}

func isAdminPath(path, prefix string) bool {
	return prefix != "" && (path == prefix || strings.HasPrefix(path, prefix+"/"))
}
