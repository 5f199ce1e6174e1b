package transport_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nickcecere/llmpipe/pkg/llm/transport"
)

func TestDo_Buffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		if got := r.Header.Get("X-Test"); got != "yes" {
			t.Errorf("X-Test = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"ping":true}` {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{"pong":true}`))
	}))
	defer srv.Close()

	c := transport.NewClient(0)
	resp, err := c.Do(context.Background(), transport.Request{
		URL:     srv.URL,
		Headers: map[string]string{"X-Test": "yes"},
		Payload: []byte(`{"ping":true}`),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != `{"pong":true}` {
		t.Errorf("body = %s", resp.Body)
	}
	if resp.Stream != nil {
		t.Error("buffered request returned a stream")
	}
}

func TestDo_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("accept = %q", accept)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		w.Write([]byte("data: one\n\n"))
		fl.Flush()
		w.Write([]byte("data: two\n\n"))
		fl.Flush()
	}))
	defer srv.Close()

	c := transport.NewClient(0)
	resp, err := c.Do(context.Background(), transport.Request{
		URL:       srv.URL,
		Payload:   []byte(`{}`),
		Streaming: true,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("streaming request returned no stream")
	}
	defer resp.Stream.Close()

	var got strings.Builder
	for {
		chunk, err := resp.Stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got.Write(chunk)
	}
	if got.String() != "data: one\n\ndata: two\n\n" {
		t.Errorf("stream = %q", got.String())
	}
}

func TestDo_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := transport.NewClient(0)
	_, err := c.Do(context.Background(), transport.Request{URL: srv.URL, Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("want error on 429")
	}
	var se *transport.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *StatusError", err)
	}
	if se.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", se.Status)
	}
	if !strings.Contains(se.Body, "rate limited") {
		t.Errorf("body = %q", se.Body)
	}
}

func TestDo_ErrorStatusOnStreamingRequest(t *testing.T) {
	// A non-2xx answer to a streaming request is a buffered failure, never a
	// stream.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := transport.NewClient(0)
	_, err := c.Do(context.Background(), transport.Request{
		URL:       srv.URL,
		Payload:   []byte(`{}`),
		Streaming: true,
	})
	var se *transport.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", se.Status)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := transport.NewClient(0)
	_, err := c.Do(ctx, transport.Request{URL: srv.URL, Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("want error after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStream_NextAfterCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := transport.NewClient(0)
	resp, err := c.Do(ctx, transport.Request{URL: srv.URL, Payload: []byte(`{}`), Streaming: true})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Stream.Close()

	cancel()
	_, err = resp.Stream.Next()
	if err == nil {
		t.Fatal("Next after cancel = nil, want error")
	}
	if err == io.EOF {
		t.Fatal("Next after cancel = EOF, want cancellation error")
	}
}
