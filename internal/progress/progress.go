package progress

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/picqlabs/picq-relay/internal/stream"
)

// Status of one pipeline stage. Stages only move forward: Waiting to
// InProgress to Completed, or to Failed on an error or expired
// deadline. Completed and Failed are terminal.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Stage identifiers in pipeline order.
const (
	StageExtractQuery  = "extract_query"
	StageImageAnalysis = "image_analysis"
	StageFormatQuery   = "format_query"
	StageSearch        = "search"
	StageReasoning     = "reasoning"
)

type Stage struct {
	ID        string
	Name      string
	Status    Status
	Current   bool
	Message   string
	Text      string
	StartedAt time.Time
}

// MatchRecord is the summary carried by a finished per-match
// reasoning pass.
type MatchRecord struct {
	ID         string   `json:"id"`
	PhotoURL   string   `json:"photo_url"`
	Similarity float64  `json:"similarity"`
	Rank       int      `json:"rank"`
	Reasons    []string `json:"reasons"`
}

// State is a snapshot of pipeline progress. At most one stage is
// current or in progress at any time.
type State struct {
	Stages    []Stage
	Current   string
	Matches   []MatchRecord
	MatchText map[string]string
	Terminal  bool
	Err       string
}

// Stage returns the stage with the given ID.
func (s State) Stage(id string) (Stage, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// DefaultStages returns the pipeline stage set for one search. The
// image analysis stage is present only when the search carries an
// image.
func DefaultStages(hasImage bool) []Stage {
	all := []Stage{
		{ID: StageExtractQuery, Name: "Query extraction"},
		{ID: StageImageAnalysis, Name: "Image analysis"},
		{ID: StageFormatQuery, Name: "Query formatting"},
		{ID: StageSearch, Name: "Similarity search"},
		{ID: StageReasoning, Name: "Match reasoning"},
	}
	stages := make([]Stage, 0, len(all))
	for _, st := range all {
		if st.ID == StageImageAnalysis && !hasImage {
			continue
		}
		st.Status = StatusWaiting
		stages = append(stages, st)
	}
	return stages
}

// Tracker folds stream events into a State. One tracker serves one
// search; all mutation goes through Apply and ExpireStale.
type Tracker struct {
	mu       sync.Mutex
	state    State
	detector BoundaryDetector
	deadline time.Duration
	current  string
	sealed   map[string]bool
	now      func() time.Time
}

type Option func(*Tracker)

// WithDetector overrides how reasoning updates are attributed to
// matches.
func WithDetector(d BoundaryDetector) Option {
	return func(t *Tracker) { t.detector = d }
}

// WithStageDeadline bounds how long a stage may stay in progress
// before ExpireStale fails it. Zero disables expiry.
func WithStageDeadline(d time.Duration) Option {
	return func(t *Tracker) { t.deadline = d }
}

func withClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(stages []Stage, opts ...Option) *Tracker {
	t := &Tracker{
		state: State{
			Stages:    append([]Stage(nil), stages...),
			MatchText: map[string]string{},
		},
		detector: DefaultDetector(),
		sealed:   map[string]bool{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply folds one event into the state. Unknown events and events for
// stages outside the configured set are ignored.
func (t *Tracker) Apply(e stream.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload := asObject(e.Payload)

	switch e.Name {
	case "complete":
		t.state.Terminal = true
		return
	case "error":
		t.applyError(payload)
		return
	case "reasoning_progress":
		t.applyReasoningProgress(payload)
		return
	case "match_reasoning_complete":
		t.applyMatchComplete(payload)
		return
	}

	stage, kind, ok := splitStageEvent(e.Name)
	if !ok {
		return
	}
	switch kind {
	case "start":
		t.applyStart(stage, payload)
	case "chunk":
		t.applyChunk(stage, payload)
	case "complete":
		t.applyComplete(stage, payload)
	}
}

// State returns a copy safe to read while events keep arriving.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.state
	out.Stages = append([]Stage(nil), t.state.Stages...)
	out.Matches = append([]MatchRecord(nil), t.state.Matches...)
	out.MatchText = make(map[string]string, len(t.state.MatchText))
	for k, v := range t.state.MatchText {
		out.MatchText[k] = v
	}
	return out
}

// ExpireStale fails every stage in progress longer than the deadline,
// returning the IDs it failed. Callers drive it from their own ticker.
func (t *Tracker) ExpireStale(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deadline <= 0 {
		return nil
	}
	var expired []string
	for i := range t.state.Stages {
		st := &t.state.Stages[i]
		if st.Status != StatusInProgress || now.Sub(st.StartedAt) <= t.deadline {
			continue
		}
		st.Status = StatusFailed
		st.Current = false
		st.Message = "stage deadline exceeded"
		if t.state.Current == st.ID {
			t.state.Current = ""
		}
		expired = append(expired, st.ID)
	}
	return expired
}

func (t *Tracker) applyStart(id string, payload map[string]any) {
	i := t.stageIndex(id)
	if i < 0 {
		return
	}
	st := &t.state.Stages[i]
	if st.Status == StatusCompleted || st.Status == StatusFailed {
		return
	}
	for j := range t.state.Stages {
		other := &t.state.Stages[j]
		other.Current = false
		// a new start implies the producer finished the previous stage
		if j != i && other.Status == StatusInProgress {
			other.Status = StatusCompleted
		}
	}
	st.Status = StatusInProgress
	st.Current = true
	st.Message = str(payload, "message")
	st.Text = ""
	st.StartedAt = t.now()
	t.state.Current = id
}

func (t *Tracker) applyChunk(id string, payload map[string]any) {
	i := t.stageIndex(id)
	if i < 0 {
		return
	}
	st := &t.state.Stages[i]
	if st.Status == StatusCompleted || st.Status == StatusFailed {
		return
	}
	st.Text += str(payload, "chunk")
}

func (t *Tracker) applyComplete(id string, payload map[string]any) {
	i := t.stageIndex(id)
	if i < 0 {
		return
	}
	st := &t.state.Stages[i]
	if st.Status == StatusCompleted || st.Status == StatusFailed {
		return
	}
	st.Status = StatusCompleted
	st.Current = false
	if t.state.Current == id {
		t.state.Current = ""
	}
	message, finalText := completion(id, payload)
	if message != "" {
		st.Message = message
	}
	if finalText != "" {
		st.Text = finalText
	}
}

func (t *Tracker) applyReasoningProgress(payload map[string]any) {
	i := t.stageIndex(StageReasoning)
	if i < 0 {
		return
	}
	st := &t.state.Stages[i]
	if st.Status == StatusCompleted || st.Status == StatusFailed {
		return
	}
	if msg := str(payload, "message"); msg != "" {
		st.Message = msg
	}
	if id := t.detector.MatchID(payload); id != "" && id != t.current {
		t.current = id
		if !t.sealed[id] {
			t.state.MatchText[id] = ""
		}
	}
	chunk := str(payload, "chunk")
	if chunk == "" {
		return
	}
	st.Text += chunk
	if t.current != "" && !t.sealed[t.current] {
		t.state.MatchText[t.current] += chunk
	}
}

func (t *Tracker) applyMatchComplete(payload map[string]any) {
	i := t.stageIndex(StageReasoning)
	if i < 0 {
		return
	}
	if st := t.state.Stages[i]; st.Status == StatusCompleted || st.Status == StatusFailed {
		return
	}
	rec := MatchRecord{
		ID:         strOrNum(payload, "id"),
		PhotoURL:   str(payload, "photo_url"),
		Similarity: numOr0(payload, "similarity"),
		Rank:       int(numOr0(payload, "rank")),
		Reasons:    strSlice(payload, "reasons"),
	}
	if rec.ID == "" {
		rec.ID = t.current
	}
	if t.current != "" {
		t.sealed[t.current] = true
		t.current = ""
	}
	if rec.ID != "" {
		t.sealed[rec.ID] = true
	}
	t.state.Matches = append(t.state.Matches, rec)
}

func (t *Tracker) applyError(payload map[string]any) {
	t.state.Terminal = true
	t.state.Err = errorText(payload)
	for i := range t.state.Stages {
		st := &t.state.Stages[i]
		st.Current = false
		if st.Status == StatusInProgress {
			st.Status = StatusFailed
		}
	}
	t.state.Current = ""
}

func (t *Tracker) stageIndex(id string) int {
	for i := range t.state.Stages {
		if t.state.Stages[i].ID == id {
			return i
		}
	}
	return -1
}

// completion maps a stage's completion payload to its final message
// and, when the payload carries an authoritative result, the text that
// replaces whatever was accumulated from chunks.
func completion(id string, payload map[string]any) (message, finalText string) {
	message = str(payload, "message")
	switch id {
	case StageExtractQuery:
		finalText = str(payload, "extracted_details")
	case StageImageAnalysis:
		finalText = str(payload, "image_analysis")
	case StageFormatQuery:
		finalText = str(payload, "formatted_query")
		if exp := str(payload, "explanation"); exp != "" {
			message = exp
		}
	case StageSearch, StageReasoning:
		if n, ok := num(payload, "matches_count"); ok && message == "" {
			message = fmt.Sprintf("%d matches", int(n))
		}
	}
	return message, finalText
}

func splitStageEvent(name string) (stage, kind string, ok bool) {
	for _, suffix := range []string{"_start", "_chunk", "_complete"} {
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			return name[:len(name)-len(suffix)], suffix[1:], true
		}
	}
	return "", "", false
}

func errorText(m map[string]any) string {
	msg := str(m, "message")
	if msg == "" {
		msg = "stream error"
	}
	if d := str(m, "details"); d != "" {
		msg += ": " + d
	}
	return msg
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) (float64, bool) {
	f, ok := m[key].(float64)
	return f, ok
}

func numOr0(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func strSlice(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func strOrNum(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
