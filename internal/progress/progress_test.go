package progress

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picqlabs/picq-relay/internal/stream"
)

func ev(t *testing.T, name, data string) stream.Event {
	t.Helper()
	if data == "" {
		return stream.Event{Name: name}
	}
	var payload any
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	return stream.Event{Name: name, Payload: payload}
}

func assertInvariants(t *testing.T, s State) {
	t.Helper()
	inProgress, current := 0, 0
	for _, st := range s.Stages {
		if st.Status == StatusInProgress {
			inProgress++
		}
		if st.Current {
			current++
		}
	}
	assert.LessOrEqual(t, inProgress, 1, "more than one stage in progress")
	assert.LessOrEqual(t, current, 1, "more than one current stage")
}

func TestTrackerFullSearch(t *testing.T) {
	tr := NewTracker(DefaultStages(false))

	seq := []stream.Event{
		ev(t, "connecting", `{"message":"Connecting to search service"}`),
		ev(t, "connected", `{"message":"Connected to search service"}`),
		ev(t, "extract_query_start", `{"message":"Extracting details from your query..."}`),
		ev(t, "extract_query_chunk", `{"chunk":"A"}`),
		ev(t, "extract_query_chunk", `{"chunk":"B"}`),
		ev(t, "extract_query_complete", `{"extracted_details":"AB"}`),
		ev(t, "format_query_start", `{"message":"Formatting your query..."}`),
		ev(t, "format_query_chunk", `{"chunk":"{\"formatted"}`),
		ev(t, "format_query_chunk", `{"chunk":"_query\":\"red brick house\"}"}`),
		ev(t, "format_query_complete", `{"formatted_query":"red brick house","explanation":"Focused on the building"}`),
		ev(t, "search_start", `{"message":"Searching for matches..."}`),
		ev(t, "search_complete", `{"matches_count":2}`),
		ev(t, "reasoning_start", `{"message":"Analyzing matches..."}`),
		ev(t, "reasoning_progress", `{"message":"Analyzing match 1 of 2","match_index":1}`),
		ev(t, "reasoning_progress", `{"chunk":"Brick facade. ","match_index":1}`),
		ev(t, "match_reasoning_complete", `{"id":"m1","photo_url":"https://img/1.jpg","similarity":0.91,"rank":1,"reasons":["Brick facade"]}`),
		ev(t, "reasoning_progress", `{"message":"Analyzing match 2 of 2","match_index":2}`),
		ev(t, "reasoning_progress", `{"chunk":"Similar porch.","match_index":2}`),
		ev(t, "match_reasoning_complete", `{"id":"m2","photo_url":"https://img/2.jpg","similarity":0.84,"rank":2,"reasons":["Porch"]}`),
		ev(t, "reasoning_complete", `{"matches_count":2}`),
		ev(t, "complete", ""),
		ev(t, "stream_end", `{"chunks_forwarded":21}`),
	}
	for _, e := range seq {
		tr.Apply(e)
		assertInvariants(t, tr.State())
	}

	s := tr.State()
	for _, st := range s.Stages {
		assert.Equal(t, StatusCompleted, st.Status, "stage %s", st.ID)
	}
	assert.True(t, s.Terminal)
	assert.Empty(t, s.Err)
	assert.Empty(t, s.Current)

	extract, _ := s.Stage(StageExtractQuery)
	assert.Equal(t, "AB", extract.Text)

	format, _ := s.Stage(StageFormatQuery)
	assert.Equal(t, "red brick house", format.Text, "completion payload is authoritative over chunks")
	assert.Equal(t, "Focused on the building", format.Message)

	search, _ := s.Stage(StageSearch)
	assert.Equal(t, "2 matches", search.Message)

	require.Len(t, s.Matches, 2)
	assert.Equal(t, "m1", s.Matches[0].ID)
	assert.Equal(t, 1, s.Matches[0].Rank)
	assert.Equal(t, []string{"Porch"}, s.Matches[1].Reasons)
	assert.Equal(t, 0.84, s.Matches[1].Similarity)

	assert.Equal(t, "Brick facade. ", s.MatchText["1"])
	assert.Equal(t, "Similar porch.", s.MatchText["2"])
}

func TestTrackerChunkAccumulation(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("stage text equals the concatenation of its chunks", prop.ForAll(
		func(chunks []string) bool {
			tr := NewTracker(DefaultStages(false))
			tr.Apply(stream.Event{Name: "extract_query_start", Payload: map[string]any{"message": "go"}})
			for _, c := range chunks {
				tr.Apply(stream.Event{Name: "extract_query_chunk", Payload: map[string]any{"chunk": c}})
			}
			st, _ := tr.State().Stage(StageExtractQuery)
			return st.Text == strings.Join(chunks, "")
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestTrackerMonotonicStatus(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "extract_query_start", `{"message":"extracting"}`))
	tr.Apply(ev(t, "extract_query_chunk", `{"chunk":"done"}`))
	tr.Apply(ev(t, "extract_query_complete", `{"extracted_details":"done"}`))

	tr.Apply(ev(t, "extract_query_start", `{"message":"again"}`))
	tr.Apply(ev(t, "extract_query_chunk", `{"chunk":"junk"}`))

	st, _ := tr.State().Stage(StageExtractQuery)
	assert.Equal(t, StatusCompleted, st.Status, "completed stages never restart")
	assert.Equal(t, "done", st.Text, "late chunks cannot dirty a finished stage")
	assertInvariants(t, tr.State())
}

func TestTrackerStartDemotesRunningStage(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "extract_query_start", `{"message":"extracting"}`))
	tr.Apply(ev(t, "format_query_start", `{"message":"formatting"}`))

	s := tr.State()
	assertInvariants(t, s)
	extract, _ := s.Stage(StageExtractQuery)
	assert.Equal(t, StatusCompleted, extract.Status)
	assert.False(t, extract.Current)
	format, _ := s.Stage(StageFormatQuery)
	assert.Equal(t, StatusInProgress, format.Status)
	assert.True(t, format.Current)
	assert.Equal(t, StageFormatQuery, s.Current)
}

func TestTrackerIgnoresAbsentImageStage(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "image_analysis_start", `{"message":"looking"}`))
	tr.Apply(ev(t, "image_analysis_chunk", `{"chunk":"a roof"}`))

	s := tr.State()
	assertInvariants(t, s)
	_, ok := s.Stage(StageImageAnalysis)
	assert.False(t, ok)
	assert.Empty(t, s.Current)
}

func TestTrackerImageStagePresent(t *testing.T) {
	tr := NewTracker(DefaultStages(true))
	tr.Apply(ev(t, "image_analysis_start", `{"message":"looking"}`))
	tr.Apply(ev(t, "image_analysis_chunk", `{"chunk":"a red roof"}`))
	tr.Apply(ev(t, "image_analysis_complete", `{"image_analysis":"a red roof and two windows"}`))

	st, ok := tr.State().Stage(StageImageAnalysis)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "a red roof and two windows", st.Text)
}

func TestTrackerErrorFailsRunningStage(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "search_start", `{"message":"searching"}`))
	tr.Apply(ev(t, "error", `{"message":"API request failed with status 500","details":"upstream exploded"}`))

	s := tr.State()
	assertInvariants(t, s)
	assert.True(t, s.Terminal)
	assert.Equal(t, "API request failed with status 500: upstream exploded", s.Err)
	search, _ := s.Stage(StageSearch)
	assert.Equal(t, StatusFailed, search.Status)
	assert.Empty(t, s.Current)
}

func TestTrackerMatchTextSealedAfterCompletion(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "reasoning_start", `{"message":"analyzing"}`))
	tr.Apply(ev(t, "reasoning_progress", `{"chunk":"first","match_index":1}`))
	tr.Apply(ev(t, "match_reasoning_complete", `{"id":"m1","rank":1}`))
	tr.Apply(ev(t, "reasoning_progress", `{"chunk":" late","match_index":1}`))

	s := tr.State()
	assert.Equal(t, "first", s.MatchText["1"], "sealed accumulators are immutable")
	reasoning, _ := s.Stage(StageReasoning)
	assert.Equal(t, StatusInProgress, reasoning.Status, "match completion does not end the stage")

	tr.Apply(ev(t, "reasoning_complete", `{"matches_count":1}`))
	reasoning, _ = tr.State().Stage(StageReasoning)
	assert.Equal(t, StatusCompleted, reasoning.Status)
}

func TestTrackerMessageHeuristicFallback(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "reasoning_start", `{"message":"analyzing"}`))
	tr.Apply(ev(t, "reasoning_progress", `{"message":"Analyzing match 1 of 2"}`))
	tr.Apply(ev(t, "reasoning_progress", `{"chunk":"old stone walls"}`))
	tr.Apply(ev(t, "reasoning_progress", `{"message":"Analyzing match 2 of 2"}`))
	tr.Apply(ev(t, "reasoning_progress", `{"chunk":"a narrow alley"}`))

	s := tr.State()
	assert.Equal(t, "old stone walls", s.MatchText["1"])
	assert.Equal(t, "a narrow alley", s.MatchText["2"])
}

func TestTrackerStageDeadline(t *testing.T) {
	started := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(DefaultStages(false),
		WithStageDeadline(2*time.Second),
		withClock(func() time.Time { return started }))

	tr.Apply(ev(t, "search_start", `{"message":"searching"}`))

	assert.Empty(t, tr.ExpireStale(started.Add(time.Second)))

	expired := tr.ExpireStale(started.Add(5 * time.Second))
	assert.Equal(t, []string{StageSearch}, expired)

	s := tr.State()
	assertInvariants(t, s)
	search, _ := s.Stage(StageSearch)
	assert.Equal(t, StatusFailed, search.Status)
	assert.Equal(t, "stage deadline exceeded", search.Message)
	assert.Empty(t, s.Current)

	tr.Apply(ev(t, "search_complete", `{"matches_count":3}`))
	search, _ = tr.State().Stage(StageSearch)
	assert.Equal(t, StatusFailed, search.Status, "failed is terminal")
}

func TestTrackerDeadlineDisabledByDefault(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "search_start", `{"message":"searching"}`))
	assert.Empty(t, tr.ExpireStale(time.Now().Add(time.Hour)))
	search, _ := tr.State().Stage(StageSearch)
	assert.Equal(t, StatusInProgress, search.Status)
}

func TestDetectors(t *testing.T) {
	t.Run("explicit key wins over message", func(t *testing.T) {
		d := DefaultDetector()
		id := d.MatchID(map[string]any{"match_id": "abc", "message": "Analyzing match 7 of 9"})
		assert.Equal(t, "abc", id)
	})

	t.Run("numeric index is normalized", func(t *testing.T) {
		d := &KeyDetector{Keys: []string{"match_index"}}
		assert.Equal(t, "3", d.MatchID(map[string]any{"match_index": float64(3)}))
	})

	t.Run("message fallback", func(t *testing.T) {
		d := DefaultDetector()
		assert.Equal(t, "2", d.MatchID(map[string]any{"message": "Analyzing match 2 of 4"}))
	})

	t.Run("no signal", func(t *testing.T) {
		d := DefaultDetector()
		assert.Empty(t, d.MatchID(map[string]any{"chunk": "text"}))
		assert.Empty(t, d.MatchID(nil))
	})
}

func TestStateCopyIsolation(t *testing.T) {
	tr := NewTracker(DefaultStages(false))
	tr.Apply(ev(t, "extract_query_start", `{"message":"extracting"}`))

	s := tr.State()
	s.Stages[0].Text = "tampered"
	s.MatchText["x"] = "tampered"

	fresh := tr.State()
	st, _ := fresh.Stage(StageExtractQuery)
	assert.Empty(t, st.Text)
	assert.NotContains(t, fresh.MatchText, "x")
}
