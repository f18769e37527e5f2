// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"devproxy/internal/client"
	"devproxy/internal/config"
	"devproxy/internal/model"
)

// methodHasBody decides per method whether the inbound body is forwarded.
// Methods missing from the table forward their body.
var methodHasBody = map[string]bool{
	http.MethodGet:     false,
	http.MethodHead:    false,
	http.MethodDelete:  false,
	http.MethodOptions: false,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
}

// framingResponseHeaders are recomputed by the outer server from the relayed
// bytes and must not be copied from the backend response.
var framingResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
}

// ProxyService forwards inbound requests to the backend.
type ProxyService struct {
	client  *client.BackendClient
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService targeting the configured backend.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url %q has no host", cfg.Backend.BaseURL())
	}

	return &ProxyService{
		client:  c,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends an InboundRequest to the backend and returns the response with
// framing headers already removed. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(in *model.InboundRequest) (*model.BackendResponse, error) {
	target := s.buildBackendURL(in.Path, in.RawPath, in.Query, in.RawQuery)
	header := s.filterRequestHeaders(in.Header)

	body, err := s.outboundBody(in.Method, in.Body)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", in.Method,
		"path", in.Path,
	)

	resp, err := s.client.Send(in.Ctx, in.Method, target, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = FilterResponseHeaders(resp.Header)
	return resp, nil
}

// outboundBody returns the raw inbound bytes for methods that carry a body.
// The body is buffered so redirects that preserve the method (307/308) can
// replay it; the outer server's body limit bounds the size.
func (s *ProxyService) outboundBody(method string, body io.ReadCloser) (io.Reader, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	if hasBody, known := methodHasBody[method]; known && !hasBody {
		return nil, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return bytes.NewReader(data), nil
}

func (s *ProxyService) buildBackendURL(path, rawPath string, query url.Values, rawQuery string) string {
	u := *s.baseURL
	if path == "" {
		path = "/"
	}
	u.Path = path
	u.RawPath = rawPath
	switch {
	case rawQuery != "":
		u.RawQuery = rawQuery
	case len(query) > 0:
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// filterRequestHeaders copies every header except Host, which would carry the
// outer virtual host into the backend's own host matching.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if http.CanonicalHeaderKey(key) == "Host" {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	if ae := dst.Get("Accept-Encoding"); ae != "" {
		dst.Set("Accept-Encoding", client.NegotiateAcceptEncoding(ae))
	}
	return dst
}

// FilterResponseHeaders returns a copy of src without transport-framing headers.
// Keys are matched case-insensitively.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if framingResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
	return dst
}
