package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"devproxy/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "backend "+r.Method+" "+r.URL.Path)
	}))
	defer backend.Close()

	cfg := testConfig(t, backend.URL)
	m := metrics.New(cfg.Admin.Prefix)

	proxy := newTestProxyHandler(t, cfg, m)
	health := NewHealthHandler(cfg, nil, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, m, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string // substring; empty skips the check
	}{
		{"healthz", http.MethodGet, "/_proxy/healthz", http.StatusOK, `"status":"ok"`},
		{"readyz", http.MethodGet, "/_proxy/readyz", http.StatusOK, `"backend":"external"`},
		{"status", http.MethodGet, "/_proxy/status", http.StatusOK, `"backend_url"`},
		{"metrics", http.MethodGet, "/_proxy/metrics", http.StatusOK, "go_goroutines"},
		{"root proxied", http.MethodGet, "/", http.StatusOK, "backend GET /"},
		{"page proxied", http.MethodGet, "/dashboard/settings", http.StatusOK, "backend GET /dashboard/settings"},
		{"api post proxied", http.MethodPost, "/api/login", http.StatusOK, "backend POST /api/login"},
		{"webdav method proxied", "PROPFIND", "/files", http.StatusOK, "backend PROPFIND /files"},
		{"backend healthz not shadowed", http.MethodGet, "/healthz", http.StatusOK, "backend GET /healthz"},
		{"unknown admin path proxied", http.MethodGet, "/_proxy/other", http.StatusOK, "backend GET /_proxy/other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want substring %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "backend "+r.URL.Path)
	}))
	defer backend.Close()

	cfg := testConfig(t, backend.URL)
	cfg.Metrics.Enabled = false

	e := echo.New()
	RegisterRoutes(e, cfg, nil, newTestProxyHandler(t, cfg, nil), NewHealthHandler(cfg, nil, "test"))

	req := httptest.NewRequest(http.MethodGet, "/_proxy/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != "backend /_proxy/metrics" {
		t.Errorf("body = %q, want the request forwarded to the backend", rec.Body.String())
	}
}
