package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	refused := &url.Error{
		Op:  "Get",
		URL: "http://127.0.0.1:3001/",
		Err: &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}},
	}

	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"connection refused", fmt.Errorf("forward to backend: %w", refused), BackendUnavailable},
		{"bare ECONNREFUSED", syscall.ECONNREFUSED, BackendUnavailable},
		{"dial reset", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNRESET}, BackendUnavailable},
		{"dial timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, ForwardError},
		{"dns failure", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "backend"}}, ForwardError},
		{"read reset", &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}, ForwardError},
		{"deadline", fmt.Errorf("backend request: %w", context.DeadlineExceeded), ForwardError},
		{"malformed response", errors.New(`malformed HTTP response "garbage"`), ForwardError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_RealRefusedDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = http.Get("http://" + addr + "/")
	require.Error(t, err)
	assert.Equal(t, BackendUnavailable, Classify(err))
}

func TestRender_Starting(t *testing.T) {
	r := NewRenderer("Next.js")
	page := r.Render(syscall.ECONNREFUSED)

	assert.Equal(t, BackendUnavailable, page.Outcome)
	assert.Equal(t, StartingRefresh, page.Refresh)
	body := string(page.Body)
	assert.Contains(t, body, `<meta http-equiv="refresh" content="5">`)
	assert.Contains(t, body, "Starting Next.js")
}

func TestRender_Error(t *testing.T) {
	r := NewRenderer("")
	page := r.Render(errors.New(`bad <script>alert(1)</script> response`))

	assert.Equal(t, ForwardError, page.Outcome)
	assert.Equal(t, ErrorRefresh, page.Refresh)
	body := string(page.Body)
	assert.Contains(t, body, `<meta http-equiv="refresh" content="10">`)
	assert.Contains(t, body, "Error: bad &lt;script&gt;")
	assert.NotContains(t, body, "<script>")
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "backend_unavailable", BackendUnavailable.String())
	assert.Equal(t, "forward_error", ForwardError.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
