package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"devproxy/internal/fallback"
	"devproxy/internal/metrics"
	"devproxy/internal/model"
	"devproxy/internal/service"
)

// ProxyHandler relays every non-admin request to the backend. When the
// backend cannot answer, it serves a self-refreshing placeholder page.
type ProxyHandler struct {
	service  *service.ProxyService
	renderer *fallback.Renderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, r *fallback.Renderer, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		renderer: r,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and streams the backend response back. It
// never returns an error to Echo: a failed forward becomes a 200 HTML page.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	in := &model.InboundRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		Query:    req.URL.Query(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(in)
	if err != nil {
		return h.fallback(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.Set(model.OutcomeKey, model.OutcomeRelayed)

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Status is already on the wire; a copy failure can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("relaying response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) fallback(c echo.Context, err error) error {
	req := c.Request()
	page := h.renderer.Render(err)
	c.Set(model.OutcomeKey, page.Outcome.String())

	switch {
	case page.Outcome == fallback.BackendUnavailable:
		h.logger.Info("backend not accepting connections; serving starting page",
			"method", req.Method,
			"path", req.URL.Path,
		)
	case errors.Is(err, context.Canceled) && req.Context().Err() != nil:
		h.logger.Debug("caller went away before the backend answered",
			"method", req.Method,
			"path", req.URL.Path,
		)
	default:
		h.logger.Error("forward failed; serving error page",
			"err", err,
			"method", req.Method,
			"path", req.URL.Path,
		)
	}

	if h.metrics != nil {
		h.metrics.FallbackResponses.WithLabelValues(page.Outcome.String()).Inc()
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.HTMLBlob(http.StatusOK, page.Body)
}
