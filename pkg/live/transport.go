package live

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Request is a single wire request handed to a Transport.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   io.Reader // nil for no body
	// ContentLength is the body size; -1 when unknown.
	ContentLength int64
}

// Response is a wire response. The caller owns Body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport sends one request. It must abort promptly when ctx is canceled
// and must allow the response body to be read incrementally.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is the net/http Transport.
type HTTPTransport struct {
	client    *http.Client
	userAgent string
}

// NewHTTPTransport wraps client (nil → http.DefaultClient). Do not set a
// client Timeout for transfers; timeouts are layered through ctx.
func NewHTTPTransport(client *http.Client, userAgent string) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPTransport{client: client, userAgent: userAgent}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body := req.Body
	if body == nil {
		body = http.NoBody
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	if t.userAgent != "" {
		hreq.Header.Set("User-Agent", t.userAgent)
	}

	if req.Body != nil {
		hreq.ContentLength = req.ContentLength
	} else {
		hreq.ContentLength = 0
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
