// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// InboundRequest represents a caller request to be forwarded to the backend.
type InboundRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawPath  string // escaped form of Path when it differs from the default encoding
	Query    url.Values
	RawQuery string // preserves parameter order; takes precedence over Query when set
	Header   http.Header
	Body     io.ReadCloser
}

// BackendResponse represents the backend response to be streamed back.
type BackendResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// OutcomeKey is the echo context key under which the proxy handler records
// how a request was answered.
const OutcomeKey = "proxy_outcome"

// OutcomeRelayed marks a request answered with the backend's own response.
const OutcomeRelayed = "relayed"

// RequestIDKey is the echo context key holding the request's ID.
const RequestIDKey = "request_id"
