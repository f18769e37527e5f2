package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devproxy/internal/config"
	"devproxy/internal/metrics"
)

// RegisterRoutes wires the admin routes under the reserved prefix and sends
// every other path and method to the proxy. Static admin routes win over the
// catch-all, so they never reach the backend.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	admin := e.Group(cfg.Admin.Prefix)
	admin.GET("/healthz", health.Healthz)
	admin.GET("/readyz", health.Readyz)
	admin.GET("/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		admin.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
