package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"devproxy/internal/config"
	"devproxy/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// BackendStatus reports the state of a supervised backend process.
type BackendStatus interface {
	State() supervisor.State
	PID() int
}

// HealthHandler serves the proxy's own liveness, readiness and status routes.
type HealthHandler struct {
	cfg     *config.Config
	backend BackendStatus
	version Version
}

// NewHealthHandler creates a HealthHandler. backend is nil when the proxy
// does not supervise the backend.
func NewHealthHandler(cfg *config.Config, backend BackendStatus, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, backend: backend, version: v}
}

// Healthz reports that the proxy itself is serving.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readyz returns 503 until the supervised backend accepts connections.
// An unsupervised backend is always reported ready.
func (h *HealthHandler) Readyz(c echo.Context) error {
	state := h.backendState()
	if h.backend != nil && state != supervisor.StateRunning {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status":  "starting",
			"backend": string(state),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": string(state),
	})
}

// StatusResponse is the body of the status route.
type StatusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	BackendURL   string `json:"backend_url"`
	Supervised   bool   `json:"supervised"`
	BackendState string `json:"backend_state"`
	BackendPID   int    `json:"backend_pid,omitempty"`
}

// Status returns proxy and backend process information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:       "ok",
		Version:      string(h.version),
		BackendURL:   h.cfg.Backend.BaseURL(),
		Supervised:   h.backend != nil,
		BackendState: string(h.backendState()),
	}
	if h.backend != nil {
		resp.BackendPID = h.backend.PID()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) backendState() supervisor.State {
	if h.backend == nil {
		return "external"
	}
	return h.backend.State()
}
