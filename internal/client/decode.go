package client

import (
	"bufio"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
)

// decodableEncodings are the content codings decodeBody understands.
var decodableEncodings = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"deflate":  true,
	"identity": true,
}

// NegotiateAcceptEncoding narrows an Accept-Encoding value to codings the
// relay can decode. The relayed response drops Content-Encoding, so the body
// must reach the caller in identity form.
func NegotiateAcceptEncoding(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	var kept []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		coding, _, _ := strings.Cut(part, ";")
		if decodableEncodings[strings.ToLower(strings.TrimSpace(coding))] {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return "identity"
	}
	return strings.Join(kept, ", ")
}

// decodeBody wraps body so reads yield identity-coded bytes.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" || encoding == "identity" {
		return body, nil
	}
	if !decodableEncodings[encoding] {
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	// HEAD, 204 and 304 responses may carry Content-Encoding with no body.
	br := bufio.NewReader(body)
	if _, err := br.Peek(1); errors.Is(err, io.EOF) {
		return body, nil
	}

	var (
		r   io.ReadCloser
		err error
	)
	switch encoding {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(br)
	case "deflate":
		r, err = zlib.NewReader(br)
	}
	if err != nil {
		return nil, err
	}
	return &decodedBody{Reader: r, decoder: r, raw: body}, nil
}

// decodedBody closes both the decoder and the underlying response body.
type decodedBody struct {
	io.Reader
	decoder io.Closer
	raw     io.Closer
}

func (d *decodedBody) Close() error {
	return errors.Join(d.decoder.Close(), d.raw.Close())
}
