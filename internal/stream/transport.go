package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/picqlabs/picq-relay/internal/sse"
)

// Request describes one connection attempt. A non-nil Body switches
// the HTTP transport to POST with a JSON content type.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Transport opens one connection attempt against the stream endpoint.
type Transport interface {
	Open(ctx context.Context, req Request) (FrameReader, error)
}

// FrameReader yields frames until io.EOF (clean close) or a transport
// error. Close unblocks a pending Next.
type FrameReader interface {
	Next() (sse.Frame, error)
	Close() error
}

// SSETransport reads frames from a streaming HTTP response body.
type SSETransport struct {
	Client *http.Client
}

func (t *SSETransport) Open(ctx context.Context, req Request) (FrameReader, error) {
	method := http.MethodGet
	var body io.Reader
	if req.Body != nil {
		method = http.MethodPost
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	for key, vals := range req.Header {
		for _, v := range vals {
			hr.Header.Add(key, v)
		}
	}
	if req.Body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.Header.Set("Accept", "text/event-stream")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hr)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("stream request failed with status %d: %s", resp.StatusCode, snippet)
	}
	return &sseReader{body: resp.Body}, nil
}

type sseReader struct {
	body    io.ReadCloser
	parser  sse.Parser
	pending []sse.Frame
	buf     []byte
	done    bool
	err     error
}

func (r *sseReader) Next() (sse.Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}
		if r.done {
			return sse.Frame{}, r.err
		}
		if r.buf == nil {
			r.buf = make([]byte, 4096)
		}
		n, err := r.body.Read(r.buf)
		if n > 0 {
			r.pending = r.parser.Feed(r.buf[:n])
		}
		if err != nil {
			r.done = true
			r.err = err
			if f, ok := r.parser.Close(); ok {
				r.pending = append(r.pending, f)
			}
		}
	}
}

func (r *sseReader) Close() error { return r.body.Close() }
