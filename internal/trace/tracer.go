package trace

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const maxIOLen = 500

type traceMsg struct {
	kind string // "session_create", "session_end", "pump_create", "pump_end", "stage_span"
	// session fields
	sessionID string
	searchID  string
	query     string
	mode      string
	// pump fields
	pumpID     string
	durationMs float64
	frames     int
	status     string
	errMsg     string
	// stage fields
	span StageSpan
}

// Tracer writes trace data asynchronously via a buffered channel.
// All methods are nil-safe (no-op on nil receiver).
type Tracer struct {
	store *Store
	ch    chan traceMsg
	done  chan struct{}
}

// NewTracer creates a tracer over store. Must call Close when done.
func NewTracer(store *Store) *Tracer {
	t := &Tracer{
		store: store,
		ch:    make(chan traceMsg, 64),
		done:  make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func() error{
		"session_create": func() error { return t.store.CreateSession(m.sessionID, m.searchID, m.query, m.mode) },
		"session_end":    func() error { return t.store.EndSession(m.sessionID) },
		"pump_create":    func() error { return t.store.CreatePump(m.pumpID, m.sessionID) },
		"pump_end":       func() error { return t.store.UpdatePump(m.pumpID, m.durationMs, m.frames, m.status, m.errMsg) },
		"stage_span":     func() error { return t.store.CreateStageSpan(m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "error", err)
	}
}

// StartSession records a new stream session and returns its ID.
func (t *Tracer) StartSession(searchID, query, mode string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.ch <- traceMsg{
		kind:      "session_create",
		sessionID: id,
		searchID:  searchID,
		query:     truncate(query, maxIOLen),
		mode:      mode,
	}
	return id
}

// EndSession marks a session finished.
func (t *Tracer) EndSession(sessionID string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "session_end", sessionID: sessionID}
}

// StartPump begins a new pump under a session and returns its ID.
func (t *Tracer) StartPump(sessionID string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.ch <- traceMsg{kind: "pump_create", pumpID: id, sessionID: sessionID}
	return id
}

// EndPump finalizes a pump.
func (t *Tracer) EndPump(pumpID string, duration time.Duration, framesForwarded int, status, errMsg string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{
		kind:       "pump_end",
		pumpID:     pumpID,
		durationMs: float64(duration.Milliseconds()),
		frames:     framesForwarded,
		status:     status,
		errMsg:     truncate(errMsg, maxIOLen),
	}
}

// RecordStage records one completed stage observation.
func (t *Tracer) RecordStage(pumpID, stage string, startedAt time.Time, duration time.Duration, message, output, status string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{
		kind: "stage_span",
		span: StageSpan{
			ID:         uuid.NewString(),
			PumpID:     pumpID,
			Stage:      stage,
			StartedAt:  startedAt,
			DurationMs: float64(duration.Milliseconds()),
			Message:    truncate(message, maxIOLen),
			Output:     truncate(output, maxIOLen),
			Status:     status,
		},
	}
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
