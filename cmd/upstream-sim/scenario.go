package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/picqlabs/picq-relay/internal/progress"
	"github.com/picqlabs/picq-relay/internal/sse"
)

// Scenario scripts what the simulator streams for each search and
// chat. Loaded from YAML so playback can be shaped without rebuilding.
type Scenario struct {
	Stages  []StageScript `yaml:"stages"`
	Matches []MatchScript `yaml:"matches"`
	Chat    ChatScript    `yaml:"chat"`
}

// StageScript scripts one pipeline stage: its start message, streamed
// chunks, and completion result.
type StageScript struct {
	ID          string   `yaml:"id"`
	Message     string   `yaml:"message"`
	Chunks      []string `yaml:"chunks"`
	Result      string   `yaml:"result"`
	Explanation string   `yaml:"explanation"`
	DelayMS     int      `yaml:"delay_ms"`
}

// MatchScript scripts one similarity match and the reasoning streamed
// about it.
type MatchScript struct {
	PhotoURL   string   `yaml:"photo_url"`
	Address    string   `yaml:"address"`
	Similarity float64  `yaml:"similarity"`
	Reasons    []string `yaml:"reasons"`
}

// ChatScript scripts the answer returned by the chat stream.
type ChatScript struct {
	Answer    string `yaml:"answer"`
	ChunkSize int    `yaml:"chunk_size"`
	DelayMS   int    `yaml:"delay_ms"`
}

// LoadScenario reads a scenario file. An empty path yields the built-in
// default.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		return DefaultScenario(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if len(s.Stages) == 0 {
		return fmt.Errorf("scenario has no stages")
	}
	for i, st := range s.Stages {
		if st.ID == "" {
			return fmt.Errorf("stage %d has no id", i)
		}
	}
	if s.Chat.ChunkSize < 0 {
		return fmt.Errorf("chat chunk_size must not be negative")
	}
	return nil
}

// DefaultScenario is the playback used when no scenario file is given:
// a two-match search with short streaming delays.
func DefaultScenario() *Scenario {
	return &Scenario{
		Stages: []StageScript{
			{
				ID:      progress.StageExtractQuery,
				Message: "Extracting details from your query",
				Chunks:  []string{"A red brick house, ", "two floors, ", "green front door"},
				Result:  "A red brick house, two floors, green front door",
				DelayMS: 60,
			},
			{
				ID:      progress.StageImageAnalysis,
				Message: "Analyzing uploaded image",
				Chunks:  []string{"Brick facade, ", "sash windows"},
				Result:  "Brick facade, sash windows",
				DelayMS: 60,
			},
			{
				ID:          progress.StageFormatQuery,
				Message:     "Reformulating query for search",
				Chunks:      []string{"red brick house ", "green door"},
				Result:      "red brick house green door",
				Explanation: "kept the distinguishing attributes",
				DelayMS:     60,
			},
			{
				ID:      progress.StageSearch,
				Message: "Searching the photo archive",
				DelayMS: 120,
			},
			{
				ID:      progress.StageReasoning,
				Message: "Reasoning about candidate matches",
				DelayMS: 60,
			},
		},
		Matches: []MatchScript{
			{
				PhotoURL:   "https://photos.example/1987/king-street-14.jpg",
				Address:    "14 King Street",
				Similarity: 0.93,
				Reasons:    []string{"matching brickwork pattern", "same door position"},
			},
			{
				PhotoURL:   "https://photos.example/1990/mill-road-3.jpg",
				Address:    "3 Mill Road",
				Similarity: 0.81,
				Reasons:    []string{"similar roof line"},
			},
		},
		Chat: ChatScript{
			Answer:    "<answer>The photo was most likely taken in the late 1980s, judging by the shopfront signage.</answer>",
			ChunkSize: 24,
			DelayMS:   40,
		},
	}
}

// playSearch writes the scripted event stream for one search. The
// image analysis stage is skipped when the request carries no image,
// matching how the real pipeline behaves.
func (s *Scenario) playSearch(w *sse.Writer, hasImage bool) {
	for _, st := range s.Stages {
		if st.ID == progress.StageImageAnalysis && !hasImage {
			continue
		}
		if st.ID == progress.StageReasoning {
			s.playReasoning(w, st)
			continue
		}
		w.WriteFrame(sse.JSON(st.ID+"_start", map[string]any{"message": st.Message}))
		for _, chunk := range st.Chunks {
			pause(st.DelayMS)
			w.WriteFrame(sse.JSON(st.ID+"_chunk", map[string]any{"chunk": chunk}))
		}
		pause(st.DelayMS)
		w.WriteFrame(sse.JSON(st.ID+"_complete", s.completePayload(st)))
	}
	w.WriteFrame(sse.Frame{Event: "complete"})
}

func (s *Scenario) completePayload(st StageScript) map[string]any {
	switch st.ID {
	case progress.StageExtractQuery:
		return map[string]any{"extracted_details": st.Result}
	case progress.StageImageAnalysis:
		return map[string]any{"image_analysis": st.Result}
	case progress.StageFormatQuery:
		return map[string]any{"formatted_query": st.Result, "explanation": st.Explanation}
	case progress.StageSearch:
		return map[string]any{"matches_count": len(s.Matches)}
	default:
		return map[string]any{"message": st.Result}
	}
}

func (s *Scenario) playReasoning(w *sse.Writer, st StageScript) {
	w.WriteFrame(sse.JSON("reasoning_start", map[string]any{"message": st.Message}))
	for i, m := range s.Matches {
		idx := i + 1
		msg := fmt.Sprintf("Analyzing match %d of %d", idx, len(s.Matches))
		for _, reason := range m.Reasons {
			pause(st.DelayMS)
			w.WriteFrame(sse.JSON("reasoning_progress", map[string]any{
				"message":     msg,
				"chunk":       reason + ". ",
				"match_index": idx,
			}))
		}
		pause(st.DelayMS)
		w.WriteFrame(sse.JSON("match_reasoning_complete", map[string]any{
			"id":          fmt.Sprintf("m%d", idx),
			"photo_url":   m.PhotoURL,
			"similarity":  m.Similarity,
			"rank":        idx,
			"match_index": idx,
			"reasons":     m.Reasons,
		}))
	}
	w.WriteFrame(sse.JSON("reasoning_complete", map[string]any{"matches_count": len(s.Matches)}))
}

func pause(ms int) {
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}
