package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/picqlabs/picq-relay/internal/chat"
	"github.com/picqlabs/picq-relay/internal/metrics"
	"github.com/picqlabs/picq-relay/internal/records"
	"github.com/picqlabs/picq-relay/internal/sse"
	"github.com/picqlabs/picq-relay/internal/trace"
	"github.com/picqlabs/picq-relay/internal/upstream"
)

// Mode selects how upstream stream bytes are forwarded downstream.
type Mode string

const (
	// ModePassthrough forwards raw upstream chunks unmodified. Used
	// when the upstream already emits well-formed frames and relaying
	// must be byte-exact.
	ModePassthrough Mode = "passthrough"

	// ModeReparse recovers frames from the upstream bytes and
	// re-serializes each one, so synthetic frames can be injected
	// between forwarded ones.
	ModeReparse Mode = "reparse"
)

// ParseMode validates a mode name from configuration.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModePassthrough, ModeReparse:
		return m, nil
	}
	return "", fmt.Errorf("unknown relay mode %q (want %q or %q)", s, ModePassthrough, ModeReparse)
}

// errBodyLimit caps how much of an upstream error body is copied into
// the error frame.
const errBodyLimit = 512

// readBufSize is the read unit of the pump loop. Frames may span
// several reads; the parser holds partial frames across them.
const readBufSize = 4096

// Config assembles a Relay. Endpoints is required; nil Client falls
// back to http.DefaultClient, empty Mode to ModeReparse, nil Tracer
// disables trace persistence.
type Config struct {
	Endpoints *upstream.Endpoints
	Client    *http.Client
	Mode      Mode
	Tracer    *trace.Tracer
}

// Relay bridges one upstream streaming response to one downstream
// stream per call. It holds no per-stream state, so a single Relay
// serves any number of concurrent streams.
type Relay struct {
	eps    *upstream.Endpoints
	client *http.Client
	mode   Mode
	tracer *trace.Tracer
}

func New(cfg Config) *Relay {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeReparse
	}
	return &Relay{
		eps:    cfg.Endpoints,
		client: client,
		mode:   mode,
		tracer: cfg.Tracer,
	}
}

// Mode reports the configured forwarding mode.
func (r *Relay) Mode() Mode { return r.mode }

// SearchRequest is the body sent to the upstream search stream.
type SearchRequest struct {
	SearchID string `json:"id"`
	Query    string `json:"query"`
	ImageURL string `json:"image,omitempty"`
}

// StreamSearch opens the upstream search stream and pumps it to w. The
// downstream always receives an event stream: failures surface as a
// single error frame rather than a transport-level status, since the
// response headers are already committed by the time anything can go
// wrong. The returned error is for the caller's log only.
func (r *Relay) StreamSearch(ctx context.Context, req SearchRequest, w *sse.Writer) error {
	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()
	metrics.StreamsTotal.Inc()
	start := time.Now()
	defer func() { metrics.StreamDuration.Observe(time.Since(start).Seconds()) }()

	sessionID := r.tracer.StartSession(req.SearchID, req.Query, string(r.mode))
	defer r.tracer.EndSession(sessionID)

	w.WriteFrame(sse.JSON("connecting", map[string]string{"message": "connecting to search stream"}))

	resp, err := r.openUpstream(ctx, req)
	if err != nil {
		metrics.Errors.WithLabelValues("relay", "dial").Inc()
		w.WriteFrame(errorFrame("upstream connection failed", err.Error()))
		return fmt.Errorf("open search stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("relay", "status").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		msg := fmt.Sprintf("API request failed with status %d", resp.StatusCode)
		w.WriteFrame(errorFrame(msg, string(snippet)))
		return fmt.Errorf("%s: %s", msg, snippet)
	}

	w.WriteFrame(sse.JSON("connected", map[string]string{"message": "search stream connected"}))

	pumpID := r.tracer.StartPump(sessionID)
	pumpStart := time.Now()
	forwarded, pumpErr := r.pump(ctx, resp.Body, w, pumpID)
	pumpDur := time.Since(pumpStart)

	if pumpErr != nil {
		if ctx.Err() != nil {
			// Downstream went away; nobody is reading further frames.
			r.tracer.EndPump(pumpID, pumpDur, forwarded, "cancelled", ctx.Err().Error())
			return ctx.Err()
		}
		metrics.Errors.WithLabelValues("relay", "read").Inc()
		w.WriteFrame(errorFrame("stream interrupted", pumpErr.Error()))
		r.tracer.EndPump(pumpID, pumpDur, forwarded, "failed", pumpErr.Error())
		return fmt.Errorf("pump search stream: %w", pumpErr)
	}

	w.WriteFrame(sse.JSON("stream_end", map[string]int{"chunks_forwarded": forwarded}))
	r.tracer.EndPump(pumpID, pumpDur, forwarded, "completed", "")
	return nil
}

func (r *Relay) openUpstream(ctx context.Context, req SearchRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.eps.URL(upstream.CapSearchStream), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	return r.client.Do(httpReq)
}

// pump copies the upstream body to w until EOF or error and returns
// how many units it forwarded: raw chunks in pass-through mode,
// recovered frames in reparse mode.
func (r *Relay) pump(ctx context.Context, body io.Reader, w *sse.Writer, pumpID string) (int, error) {
	if r.mode == ModePassthrough {
		return r.pumpRaw(body, w)
	}
	return r.pumpReparse(body, w, pumpID)
}

func (r *Relay) pumpRaw(body io.Reader, w *sse.Writer) (int, error) {
	buf := make([]byte, readBufSize)
	chunks := 0
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return chunks, fmt.Errorf("write downstream: %w", werr)
			}
			chunks++
			metrics.FramesForwarded.WithLabelValues(string(ModePassthrough)).Inc()
		}
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
	}
}

func (r *Relay) pumpReparse(body io.Reader, w *sse.Writer, pumpID string) (int, error) {
	var parser sse.Parser
	spans := newStageSpans(r.tracer, pumpID)
	buf := make([]byte, readBufSize)
	frames := 0
	for {
		n, err := body.Read(buf)
		for _, f := range parser.Feed(buf[:n]) {
			if werr := w.WriteFrame(f); werr != nil {
				return frames, fmt.Errorf("write downstream: %w", werr)
			}
			frames++
			metrics.FramesForwarded.WithLabelValues(string(ModeReparse)).Inc()
			spans.observe(f)
		}
		if err == io.EOF {
			if f, ok := parser.Close(); ok {
				if werr := w.WriteFrame(f); werr != nil {
					return frames, fmt.Errorf("write downstream: %w", werr)
				}
				frames++
				metrics.FramesForwarded.WithLabelValues(string(ModeReparse)).Inc()
				spans.observe(f)
			}
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
	}
}

// stageSpans pairs each <stage>_start frame with its <stage>_complete
// so stage durations can be observed and traced. Completions without a
// seen start (match_reasoning_complete, the bare terminal complete)
// fall through unrecorded.
type stageSpans struct {
	started map[string]time.Time
	tracer  *trace.Tracer
	pumpID  string
}

func newStageSpans(tracer *trace.Tracer, pumpID string) *stageSpans {
	return &stageSpans{started: make(map[string]time.Time), tracer: tracer, pumpID: pumpID}
}

func (s *stageSpans) observe(f sse.Frame) {
	if stage, ok := strings.CutSuffix(f.Event, "_start"); ok {
		s.started[stage] = time.Now()
		return
	}
	stage, ok := strings.CutSuffix(f.Event, "_complete")
	if !ok {
		return
	}
	startedAt, seen := s.started[stage]
	if !seen {
		return
	}
	delete(s.started, stage)
	dur := time.Since(startedAt)
	metrics.StageDuration.WithLabelValues(stage).Observe(dur.Seconds())
	s.tracer.RecordStage(s.pumpID, stage, startedAt, dur, "", f.Data, "completed")
}

// StreamChat opens the upstream chat stream and copies its
// newline-delimited envelopes to w verbatim. Failures surface as a
// single error envelope on the same stream.
func (r *Relay) StreamChat(ctx context.Context, req records.ChatRequest, w io.Writer) error {
	metrics.ChatStreamsTotal.Inc()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.eps.URL(upstream.CapChatStream), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		metrics.Errors.WithLabelValues("relay", "dial").Inc()
		writeChatError(w, "upstream connection failed", err.Error())
		return fmt.Errorf("open chat stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("relay", "status").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		msg := fmt.Sprintf("API request failed with status %d", resp.StatusCode)
		writeChatError(w, msg, string(snippet))
		return fmt.Errorf("%s: %s", msg, snippet)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.Errors.WithLabelValues("relay", "read").Inc()
		writeChatError(w, "stream interrupted", err.Error())
		return fmt.Errorf("pump chat stream: %w", err)
	}
	return nil
}

func errorFrame(message, details string) sse.Frame {
	return sse.JSON("error", map[string]string{"message": message, "details": details})
}

// writeChatError emits one error envelope in the chat wire format,
// with the payload double-encoded like every other chat line.
func writeChatError(w io.Writer, message, details string) {
	inner, err := json.Marshal(map[string]string{"message": message, "details": details})
	if err != nil {
		return
	}
	line, err := json.Marshal(chat.Envelope{Event: string(chat.KindError), Data: string(inner)})
	if err != nil {
		return
	}
	w.Write(append(line, '\n'))
}
