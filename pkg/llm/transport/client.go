// Package transport issues the HTTP call to the model gateway and exposes
// the response either as one buffered body or as a sequence of raw byte
// chunks. It maps non-success statuses to a typed error without interpreting
// the error body — the error schema is vendor-specific and belongs to the
// caller.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Minute

// maxErrorBody caps how much of a non-2xx response body is retained.
const maxErrorBody = 64 * 1024

// StatusError is returned for any non-2xx gateway response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: HTTP %d: %s", e.Status, e.Body)
}

// Request describes one outgoing gateway call.
type Request struct {
	URL       string
	Headers   map[string]string
	Payload   []byte
	Streaming bool
}

// Response is either a fully buffered body (non-streaming) or a chunk
// stream. Exactly one of Body/Stream is set.
type Response struct {
	Body   []byte
	Stream *Stream
}

// Stream yields successive raw byte chunks from the response body. Chunk
// boundaries are whatever the network delivered; callers must not assume
// they align with any logical framing.
type Stream struct {
	body io.ReadCloser
	buf  []byte
}

// Next returns the next chunk, or io.EOF at end of stream. The returned
// slice is valid until the next call. Cancelling the request context aborts
// a blocked read.
func (s *Stream) Next() ([]byte, error) {
	n, err := s.body.Read(s.buf)
	if n > 0 {
		return s.buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// Close releases the underlying connection.
func (s *Stream) Close() error { return s.body.Close() }

// Client issues gateway requests. Each request is independent; no state
// leaks between requests beyond standard connection reuse.
type Client struct {
	HTTPClient *http.Client
}

// NewClient creates a Client. timeout bounds the whole exchange including
// body reads; zero uses a 10 minute default.
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{HTTPClient: &http.Client{Timeout: timeout}}
}

// Do executes one request. ctx cancellation aborts the call at any point,
// including a chunk read already in flight.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Streaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{Status: resp.StatusCode, Body: string(b)}
	}

	if req.Streaming {
		return &Response{Stream: &Stream{body: resp.Body, buf: make([]byte, 32*1024)}}, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("transport: read body: %w", err)
	}
	return &Response{Body: body}, nil
}
