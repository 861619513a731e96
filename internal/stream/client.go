package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/picqlabs/picq-relay/internal/sse"
)

// Status is the connection lifecycle of a Client.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// Terminal event names. An error or stream_end frame ends the stream
// for good; complete marks it finished but the reader drains to EOF so
// trailing bookkeeping frames still dispatch.
const (
	eventComplete  = "complete"
	eventError     = "error"
	eventStreamEnd = "stream_end"
)

// Config configures a Client. Zero values fall back to an SSE
// transport, 3 reconnect attempts and a 1s backoff base.
type Config struct {
	URL           string
	Header        http.Header
	Body          []byte
	Transport     Transport
	MaxReconnects int
	BackoffBase   time.Duration
}

// Client consumes a frame stream and dispatches typed events to
// registered handlers. It reconnects on unexpected closes with
// exponential backoff and gives up after the configured ceiling.
// One Client serves one stream; it is not reusable after Close.
type Client struct {
	cfg Config

	mu       sync.Mutex
	status   Status
	attempts int
	handlers map[string][]Handler
	anyAll   []Handler
	err      error
	cancel   context.CancelFunc
	started  bool

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config) *Client {
	if cfg.Transport == nil {
		cfg.Transport = &SSETransport{}
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	return &Client{
		cfg:      cfg,
		status:   StatusIdle,
		handlers: map[string][]Handler{},
		done:     make(chan struct{}),
	}
}

// On registers a handler for one event name. Handlers may be added
// before or after Connect and survive reconnects.
func (c *Client) On(name string, h Handler) {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], h)
	c.mu.Unlock()
}

// OnAny registers a handler invoked for every event, after the named
// handlers for that event.
func (c *Client) OnAny(h Handler) {
	c.mu.Lock()
	c.anyAll = append(c.anyAll, h)
	c.mu.Unlock()
}

// Connect starts the read loop. It returns immediately; events arrive
// on a background goroutine until a terminal frame, reconnect
// exhaustion, ctx cancellation or Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("stream: client already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close stops the client, resets the reconnect counter and waits for
// the read loop to finish so no handler runs after Close returns.
func (c *Client) Close() {
	c.mu.Lock()
	c.attempts = 0
	cancel := c.cancel
	if !c.started {
		c.started = true
		c.status = StatusClosed
		c.mu.Unlock()
		c.closeDone()
		return
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-c.done
}

// Done is closed once the client reaches Closed.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts reports the current reconnect attempt counter. It resets
// to zero once a connection delivers its first frame.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Err reports the terminal error after reconnect exhaustion, nil on a
// clean close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) run(ctx context.Context) {
	defer c.closeDone()
	defer c.setStatus(StatusClosed)

	for {
		c.setStatus(StatusConnecting)
		rd, err := c.cfg.Transport.Open(ctx, Request{URL: c.cfg.URL, Header: c.cfg.Header, Body: c.cfg.Body})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("stream connect failed", "url", c.cfg.URL, "err", err)
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		c.setStatus(StatusOpen)

		if clean := c.readLoop(ctx, rd); clean || ctx.Err() != nil {
			return
		}
		slog.Warn("stream closed unexpectedly", "url", c.cfg.URL)
		if !c.backoff(ctx) {
			return
		}
	}
}

// readLoop consumes frames until the reader ends. It reports whether
// the close was expected, meaning no reconnect should follow.
func (c *Client) readLoop(ctx context.Context, rd FrameReader) bool {
	watch, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-watch.Done()
		rd.Close()
	}()

	completed := false
	first := true
	for {
		f, err := rd.Next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Warn("stream read failed", "err", err)
			}
			return completed && errors.Is(err, io.EOF)
		}
		if first {
			// The counter only re-arms once the connection proves
			// useful. Opens that die before a single frame keep
			// counting toward the ceiling.
			c.resetAttempts()
			first = false
		}
		c.dispatch(f)
		switch f.Event {
		case eventError, eventStreamEnd:
			return true
		case eventComplete:
			completed = true
		}
	}
}

func (c *Client) backoff(ctx context.Context) bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	ceiling := c.cfg.MaxReconnects
	c.mu.Unlock()

	if attempt > ceiling {
		err := fmt.Errorf("stream: giving up after %d reconnect attempts", ceiling)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.dispatch(sse.JSON(eventError, map[string]any{"message": err.Error()}))
		return false
	}

	delay := backoffDelay(attempt, c.cfg.BackoffBase)
	slog.Info("stream reconnecting", "attempt", attempt, "delay", delay)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// backoffDelay doubles per attempt starting at twice the base:
// 2s, 4s, 8s for attempts 1 through 3 with a 1s base.
func backoffDelay(attempt int, base time.Duration) time.Duration {
	return time.Duration(1<<uint(attempt)) * base
}

func (c *Client) dispatch(f sse.Frame) {
	var payload any
	if s := strings.TrimSpace(f.Data); s != "" {
		if err := json.Unmarshal([]byte(s), &payload); err != nil {
			slog.Warn("stream payload decode failed", "event", f.Event, "err", err)
			return
		}
	}
	ev := Event{Name: f.Event, Payload: payload}

	c.mu.Lock()
	named := append([]Handler(nil), c.handlers[f.Event]...)
	catchAll := append([]Handler(nil), c.anyAll...)
	c.mu.Unlock()

	for _, h := range named {
		c.call(h, ev)
	}
	for _, h := range catchAll {
		c.call(h, ev)
	}
}

// call isolates handler panics so one bad handler cannot take down the
// read loop or its neighbors.
func (c *Client) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stream handler panic", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Client) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

func (c *Client) closeDone() { c.doneOnce.Do(func() { close(c.done) }) }
