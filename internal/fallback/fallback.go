// Package fallback turns backend forwarding failures into placeholder pages.
//
// Every forwarding failure maps to exactly one Outcome. BackendUnavailable
// covers the window where the backend process is still booting and refuses
// connections; ForwardError covers everything else (DNS, timeouts, malformed
// responses). Both render a 200 page with a meta-refresh so a browser keeps
// polling until the backend answers.
package fallback

import (
	"bytes"
	"errors"
	"html/template"
	"net"
	"syscall"
	"time"
)

// Outcome classifies a forwarding failure.
type Outcome int

const (
	// BackendUnavailable means the backend is not accepting connections yet.
	BackendUnavailable Outcome = iota + 1
	// ForwardError is any other forwarding failure.
	ForwardError
)

func (o Outcome) String() string {
	switch o {
	case BackendUnavailable:
		return "backend_unavailable"
	case ForwardError:
		return "forward_error"
	default:
		return "unknown"
	}
}

// Refresh intervals for the two placeholder pages.
const (
	StartingRefresh = 5 * time.Second
	ErrorRefresh    = 10 * time.Second
)

// Classify maps a forwarding error to its Outcome.
func Classify(err error) Outcome {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return BackendUnavailable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ForwardError
	}

	// A dial that fails for reasons other than a timeout (e.g. the port is
	// bound but the listener is not accepting yet) counts as still starting.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return BackendUnavailable
	}

	return ForwardError
}

// Page is a rendered placeholder response.
type Page struct {
	Outcome Outcome
	Refresh time.Duration
	Body    []byte
}

var startingTmpl = template.Must(template.New("starting").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta http-equiv="refresh" content="{{.Seconds}}">
    <title>Starting {{.Name}}...</title>
</head>
<body>
    <h1>Starting {{.Name}}...</h1>
    <p>Server is starting up, please wait...</p>
    <p>This page will refresh automatically in {{.Seconds}} seconds.</p>
</body>
</html>
`))

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta http-equiv="refresh" content="{{.Seconds}}">
    <title>Error</title>
</head>
<body>
    <h1>Error</h1>
    <p>Error: {{.Message}}</p>
    <p>Page will refresh automatically in {{.Seconds}} seconds.</p>
</body>
</html>
`))

type pageData struct {
	Name    string
	Message string
	Seconds int
}

// Renderer renders placeholder pages for a named backend.
type Renderer struct {
	name string
}

// NewRenderer creates a Renderer. name is shown on the starting page.
func NewRenderer(name string) *Renderer {
	if name == "" {
		name = "backend"
	}
	return &Renderer{name: name}
}

// Render classifies err and renders the matching page.
func (r *Renderer) Render(err error) Page {
	outcome := Classify(err)
	if outcome == BackendUnavailable {
		return r.render(outcome, startingTmpl, StartingRefresh, "")
	}
	return r.render(outcome, errorTmpl, ErrorRefresh, err.Error())
}

func (r *Renderer) render(outcome Outcome, tmpl *template.Template, refresh time.Duration, msg string) Page {
	var buf bytes.Buffer
	data := pageData{Name: r.name, Message: msg, Seconds: int(refresh / time.Second)}
	// Execute only fails on a template bug.
	if err := tmpl.Execute(&buf, data); err != nil {
		buf.Reset()
		buf.WriteString(`<html><head><meta http-equiv="refresh" content="10"></head><body>Error</body></html>`)
	}
	return Page{Outcome: outcome, Refresh: refresh, Body: buf.Bytes()}
}
