// Package client provides the outbound HTTP client for the backend.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"devproxy/internal/config"
	"devproxy/internal/metrics"
	"devproxy/internal/model"
)

// maxRedirects matches the net/http default policy.
const maxRedirects = 10

// BackendClient sends requests to the local backend.
type BackendClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
//
// The timeout bounds dispatch up to response headers and, for encoded bodies,
// the first read the decoder needs. After that bodies are streamed to the
// caller for as long as the backend keeps sending.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	timeout := cfg.Backend.Timeout()
	transport := &http.Transport{
		MaxIdleConns:          cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Backend.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		// Encodings are negotiated by the forwarder and decoded in Do.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	l := logger.With("component", "backend_client")
	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				l.Debug("following backend redirect", "location", req.URL.String())
				return nil
			},
		},
		timeout: timeout,
		logger:  l,
		metrics: m,
	}
}

// Do executes an HTTP request against the backend and returns the response
// with its body already content-decoded. The caller is responsible for
// closing the response body.
func (c *BackendClient) Do(req *http.Request) (*model.BackendResponse, error) {
	c.logger.Debug("backend request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	parent := req.Context()
	ctx, cancel := context.WithCancel(parent)
	stopTimer := func() bool { return true }
	if c.timeout > 0 {
		stopTimer = time.AfterFunc(c.timeout, cancel).Stop
	}
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via BackendResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		fired := !stopTimer()
		cancel()
		if c.metrics != nil {
			c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		}
		if fired && parent.Err() == nil {
			return nil, fmt.Errorf("backend request: no response within %s: %w", c.timeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.BackendDuration.WithLabelValues(method).Observe(duration)
		c.metrics.BackendResponses.WithLabelValues(method, status).Inc()
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if !stopTimer() {
		cancel()
		if err == nil {
			_ = body.Close()
		} else {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("decode backend body: %w", context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decode backend body: %w", err)
	}

	return &model.BackendResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: body, cancel: cancel},
	}, nil
}

// cancelOnClose releases the per-request context once the caller is done
// with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Send builds a request from its parts and executes it.
// The provided context controls the lifetime of the backend request:
// when the context is canceled (e.g. client disconnects), the backend
// request is also canceled.
func (c *BackendClient) Send(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.BackendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}
