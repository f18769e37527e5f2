package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"devproxy/internal/metrics"
)

// requestLabels returns the label sets recorded on devproxy_http_requests_total
// together with their counter values.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "devproxy_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if metric.GetCounter().GetValue() == 1 {
				labels["count"] = "1"
			}
			out = append(out, labels)
		}
	}
	return out
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMetricsMiddleware_IncrementsCounter(t *testing.T) {
	m := metrics.New("/_proxy")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/api/users", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	if rec := serve(e, http.MethodGet, "/api/users"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "/api" {
			if labels["count"] != "1" {
				t.Errorf("counter for %v is not 1", labels)
			}
			return
		}
	}
	t.Error("expected devproxy_http_requests_total with path_prefix=/api")
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New("/_proxy")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/_proxy/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, http.MethodGet, "/_proxy/healthz")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "devproxy_http_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() > 0 {
				return
			}
		}
	}
	t.Error("expected devproxy_http_request_duration_seconds with at least one sample")
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New("/_proxy")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/_next/data", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too large")
	})

	serve(e, http.MethodGet, "/_next/data")

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "/_next" {
			if labels["status_code"] != "413" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "413")
			}
			return
		}
	}
	t.Error("expected devproxy_http_requests_total with path_prefix=/_next")
}

func TestMetricsMiddleware_FallbackPageCountsAsOK(t *testing.T) {
	m := metrics.New("/_proxy")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/dashboard", func(c echo.Context) error {
		return c.HTMLBlob(http.StatusOK, []byte("<html>starting</html>"))
	})

	serve(e, http.MethodGet, "/dashboard")

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "other" {
			if labels["status_code"] != "200" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "200")
			}
			return
		}
	}
	t.Error("expected devproxy_http_requests_total with path_prefix=other")
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New("/_proxy")

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.Any("/api/dav", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	serve(e, "PROPFIND", "/api/dav")

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "/api" {
			if labels["method"] != "other" {
				t.Errorf("method = %q, want %q", labels["method"], "other")
			}
			return
		}
	}
	t.Error("expected devproxy_http_requests_total with path_prefix=/api and method=other")
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New("/_proxy")

	e := echo.New()
	e.Use(MetricsMiddleware(m))

	if rec := serve(e, http.MethodGet, "/nonexistent"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	for _, labels := range requestLabels(t, m) {
		if labels["path_prefix"] == "other" && labels["method"] == "GET" {
			if labels["status_code"] != "404" {
				t.Errorf("status_code = %q, want %q", labels["status_code"], "404")
			}
			return
		}
	}
	t.Error("expected devproxy_http_requests_total with path_prefix=other, method=GET, status_code=404")
}
