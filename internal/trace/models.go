package trace

import "time"

// Session represents one relayed search stream.
type Session struct {
	ID        string     `json:"id"`
	SearchID  string     `json:"search_id"`
	Query     string     `json:"query"`
	Mode      string     `json:"mode"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	PumpCount int        `json:"pump_count,omitempty"`
}

// Pump represents one upstream connection pumped downstream.
type Pump struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationMs      float64   `json:"duration_ms,omitempty"`
	FramesForwarded int       `json:"frames_forwarded"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	SpanCount       int       `json:"span_count,omitempty"`
}

// StageSpan represents one pipeline stage observed while reparsing.
type StageSpan struct {
	ID         string    `json:"id"`
	PumpID     string    `json:"pump_id"`
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Message    string    `json:"message,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
}
