package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/picqlabs/picq-relay/internal/metrics"
	"github.com/picqlabs/picq-relay/internal/upstream"
)

// healthFetchTimeout is how long one upstream health poll may take.
const healthFetchTimeout = 5 * time.Second

// healthHub polls the upstream health endpoint, caches the most recent
// status document, and pushes updates to SSE subscribers.
type healthHub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	last   []byte
	eps    *upstream.Endpoints
	client *http.Client
}

func newHealthHub(eps *upstream.Endpoints) *healthHub {
	return &healthHub{
		subs:   map[chan []byte]struct{}{},
		eps:    eps,
		client: &http.Client{Timeout: healthFetchTimeout},
	}
}

func (h *healthHub) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *healthHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// snapshot returns the most recent status document, polling once if
// nothing has been fetched yet.
func (h *healthHub) snapshot() []byte {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if last != nil {
		return last
	}
	return h.fetch()
}

type healthStatus struct {
	Up        bool            `json:"up"`
	Error     string          `json:"error,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

// fetch polls upstream health once and caches a normalized status
// document so consumers get a well-formed answer even when the
// upstream is unreachable.
func (h *healthHub) fetch() []byte {
	detail, err := h.pollOnce()
	st := healthStatus{Up: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		st.Error = err.Error()
		metrics.UpstreamUp.Set(0)
	} else {
		st.Detail = detail
		metrics.UpstreamUp.Set(1)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	h.mu.Lock()
	h.last = data
	h.mu.Unlock()
	return data
}

func (h *healthHub) pollOnce() (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), healthFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", h.eps.URL(upstream.CapHealth), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health status %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, nil
	}
	return body, nil
}

// poll re-fetches on a ticker until ctx ends. A non-positive interval
// disables polling; snapshot still fetches on demand.
func (h *healthHub) poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(h.fetch())
		}
	}
}

// broadcast sends the status document to all SSE subscribers. The
// select/default is a non-blocking send: when a slow subscriber's
// one-slot buffer is still full, this update is dropped rather than
// blocking the poll loop.
func (h *healthHub) broadcast(data []byte) {
	if data == nil {
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}
