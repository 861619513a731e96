package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picqlabs/picq-relay/internal/chat"
	"github.com/picqlabs/picq-relay/internal/progress"
	"github.com/picqlabs/picq-relay/internal/records"
	"github.com/picqlabs/picq-relay/internal/sse"
	"github.com/picqlabs/picq-relay/internal/stream"
	"github.com/picqlabs/picq-relay/internal/upstream"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// scriptedBody returns one scripted chunk per Read call, then err or
// EOF. It pins down read boundaries, which real HTTP transports are
// free to merge.
type scriptedBody struct {
	chunks [][]byte
	err    error
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	c := b.chunks[0]
	b.chunks = b.chunks[1:]
	return copy(p, c), nil
}

func (b *scriptedBody) Close() error { return nil }

func scriptedClient(status int, body io.ReadCloser) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Body:       body,
			Request:    r,
		}, nil
	})}
}

func newRelay(t *testing.T, baseURL string, mode Mode, client *http.Client) *Relay {
	t.Helper()
	eps, err := upstream.NewEndpoints(baseURL, upstream.DefaultPaths())
	require.NoError(t, err)
	return New(Config{Endpoints: eps, Client: client, Mode: mode})
}

func collectFrames(t *testing.T, raw []byte) []sse.Frame {
	t.Helper()
	var p sse.Parser
	frames := p.Feed(raw)
	if f, ok := p.Close(); ok {
		frames = append(frames, f)
	}
	return frames
}

func payload(t *testing.T, f sse.Frame) map[string]any {
	t.Helper()
	m := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(f.Data), &m))
	return m
}

func frameNames(frames []sse.Frame) []string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Event
	}
	return names
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("passthrough")
	require.NoError(t, err)
	assert.Equal(t, ModePassthrough, m)

	m, err = ParseMode("reparse")
	require.NoError(t, err)
	assert.Equal(t, ModeReparse, m)

	_, err = ParseMode("verbatim")
	assert.ErrorContains(t, err, "unknown relay mode")
}

func TestStreamSearchPassthroughChunkCount(t *testing.T) {
	chunks := make([][]byte, 5)
	for i := range chunks {
		chunks[i] = []byte(fmt.Sprintf("event: extract_query_chunk\ndata: {\"chunk\":\"c%d\"}\n\n", i))
	}
	body := &scriptedBody{chunks: chunks}
	r := newRelay(t, "http://upstream.test", ModePassthrough, scriptedClient(http.StatusOK, body))

	var out bytes.Buffer
	err := r.StreamSearch(context.Background(), SearchRequest{SearchID: "s-1", Query: "red brick house"}, sse.NewWriter(&out))
	require.NoError(t, err)

	frames := collectFrames(t, out.Bytes())
	names := frameNames(frames)
	assert.Equal(t, "connecting", names[0])
	assert.Equal(t, "connected", names[1])

	ends := 0
	for _, f := range frames {
		if f.Event == "stream_end" {
			ends++
			assert.Equal(t, float64(5), payload(t, f)["chunks_forwarded"])
		}
	}
	assert.Equal(t, 1, ends, "exactly one stream_end")

	// Pass-through must forward the upstream bytes untouched.
	assert.True(t, bytes.Contains(out.Bytes(), bytes.Join(chunks, nil)))
}

func TestStreamSearchReparse(t *testing.T) {
	var gotBody SearchRequest
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, "event: extract_query_start\ndata: {\"message\":\"Extracting\"}\n\n")
		io.WriteString(w, "event: extract_query_chunk\ndata: {\"chunk\":\"A\"}\n\n")
		io.WriteString(w, "event: extract_query_complete\ndata: {\"extracted_details\":\"A\"}\n\n")
		// Last frame deliberately unterminated.
		io.WriteString(w, "event: complete\ndata: {}")
	}))
	defer srv.Close()

	r := newRelay(t, srv.URL, ModeReparse, srv.Client())
	var out bytes.Buffer
	err := r.StreamSearch(context.Background(), SearchRequest{SearchID: "s-2", Query: "old lighthouse", ImageURL: "https://photos/x.jpg"}, sse.NewWriter(&out))
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", gotAccept)
	assert.Equal(t, SearchRequest{SearchID: "s-2", Query: "old lighthouse", ImageURL: "https://photos/x.jpg"}, gotBody)

	frames := collectFrames(t, out.Bytes())
	assert.Equal(t, []string{
		"connecting",
		"connected",
		"extract_query_start",
		"extract_query_chunk",
		"extract_query_complete",
		"complete",
		"stream_end",
	}, frameNames(frames))
	assert.Equal(t, float64(4), payload(t, frames[len(frames)-1])["chunks_forwarded"])
}

func TestStreamSearchUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newRelay(t, srv.URL, ModeReparse, srv.Client())
	var out bytes.Buffer
	err := r.StreamSearch(context.Background(), SearchRequest{SearchID: "s-3", Query: "q"}, sse.NewWriter(&out))
	require.Error(t, err)

	frames := collectFrames(t, out.Bytes())
	require.Equal(t, []string{"connecting", "error"}, frameNames(frames))
	p := payload(t, frames[1])
	assert.Equal(t, "API request failed with status 500", p["message"])
	assert.Contains(t, p["details"], "internal failure")
}

func TestStreamSearchDialFailure(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	r := newRelay(t, "http://upstream.test", ModeReparse, client)

	var out bytes.Buffer
	err := r.StreamSearch(context.Background(), SearchRequest{SearchID: "s-4", Query: "q"}, sse.NewWriter(&out))
	require.Error(t, err)

	frames := collectFrames(t, out.Bytes())
	require.Equal(t, []string{"connecting", "error"}, frameNames(frames))
	assert.Contains(t, payload(t, frames[1])["details"], "connection refused")
}

func TestStreamSearchMidStreamReadError(t *testing.T) {
	body := &scriptedBody{
		chunks: [][]byte{
			[]byte("event: search_start\ndata: {\"message\":\"Searching\"}\n\n"),
			[]byte("event: search_chunk\ndata: {\"chunk\":\"...\"}\n\n"),
		},
		err: errors.New("connection reset by peer"),
	}
	r := newRelay(t, "http://upstream.test", ModeReparse, scriptedClient(http.StatusOK, body))

	var out bytes.Buffer
	err := r.StreamSearch(context.Background(), SearchRequest{SearchID: "s-5", Query: "q"}, sse.NewWriter(&out))
	require.Error(t, err)

	frames := collectFrames(t, out.Bytes())
	names := frameNames(frames)
	assert.Equal(t, []string{"connecting", "connected", "search_start", "search_chunk", "error"}, names)
	assert.NotContains(t, names, "stream_end", "no stream_end after a failed pump")
	assert.Contains(t, payload(t, frames[len(frames)-1])["details"], "connection reset")
}

func TestStreamChatForwardsBody(t *testing.T) {
	lines := `{"event":"answer_start","data":"{}"}` + "\n" +
		`{"event":"answer_chunk","data":"{\"chunk\":\"Hi\"}"}` + "\n"
	var gotReq records.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query/chat/stream", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		io.WriteString(w, lines)
	}))
	defer srv.Close()

	r := newRelay(t, srv.URL, ModeReparse, srv.Client())
	var out bytes.Buffer
	err := r.StreamChat(context.Background(), records.ChatRequest{MatchID: "m-1", Message: "hello"}, &out)
	require.NoError(t, err)

	assert.Equal(t, records.ChatRequest{MatchID: "m-1", Message: "hello"}, gotReq)
	assert.Equal(t, lines, out.String())
}

func TestStreamChatUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such match", http.StatusNotFound)
	}))
	defer srv.Close()

	r := newRelay(t, srv.URL, ModeReparse, srv.Client())
	var out bytes.Buffer
	err := r.StreamChat(context.Background(), records.ChatRequest{MatchID: "missing", Message: "hello"}, &out)
	require.Error(t, err)

	// The error must be a decodable chat envelope, not plain text.
	updates := chat.NewDecoder().Feed(out.Bytes())
	require.Len(t, updates, 1)
	assert.Equal(t, chat.KindError, updates[0].Kind)
	assert.Equal(t, "API request failed with status 404", updates[0].Message)
}

// TestRelayEndToEnd drives a full search through the relay, the stream
// client, and the progress tracker: scripted upstream frames in, final
// reconstructed pipeline state out.
func TestRelayEndToEnd(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := sse.NewWriter(w)
		for _, f := range searchPlayback() {
			sw.WriteFrame(f)
		}
	}))
	defer upstreamSrv.Close()

	eps, err := upstream.NewEndpoints(upstreamSrv.URL, upstream.DefaultPaths())
	require.NoError(t, err)
	r := New(Config{Endpoints: eps, Client: upstreamSrv.Client(), Mode: ModeReparse})

	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		r.StreamSearch(req.Context(), SearchRequest{SearchID: "s-e2e", Query: "red brick house"}, sse.NewWriter(w))
	}))
	defer relaySrv.Close()

	tracker := progress.NewTracker(progress.DefaultStages(false))
	client := stream.New(stream.Config{URL: relaySrv.URL})
	client.OnAny(func(ev stream.Event) {
		tracker.Apply(ev)
	})
	require.NoError(t, client.Connect(context.Background()))

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}

	assert.Equal(t, stream.StatusClosed, client.Status())
	assert.Equal(t, 0, client.Attempts(), "clean close must not trigger reconnects")
	require.NoError(t, client.Err())

	st := tracker.State()
	assert.True(t, st.Terminal)
	assert.Empty(t, st.Err)
	for _, id := range []string{progress.StageExtractQuery, progress.StageFormatQuery, progress.StageSearch, progress.StageReasoning} {
		stage, ok := st.Stage(id)
		require.True(t, ok, id)
		assert.Equal(t, progress.StatusCompleted, stage.Status, id)
	}
	ex, _ := st.Stage(progress.StageExtractQuery)
	assert.Equal(t, "red brick, two floors", ex.Text)
	require.Len(t, st.Matches, 2)
	assert.Equal(t, "m1", st.Matches[0].ID)
	assert.Equal(t, "m2", st.Matches[1].ID)
}

func searchPlayback() []sse.Frame {
	return []sse.Frame{
		sse.JSON("extract_query_start", map[string]any{"message": "Extracting query details"}),
		sse.JSON("extract_query_chunk", map[string]any{"chunk": "red brick, "}),
		sse.JSON("extract_query_chunk", map[string]any{"chunk": "two floors"}),
		sse.JSON("extract_query_complete", map[string]any{"extracted_details": "red brick, two floors"}),
		sse.JSON("format_query_start", map[string]any{"message": "Formatting query"}),
		sse.JSON("format_query_chunk", map[string]any{"chunk": "red brick house"}),
		sse.JSON("format_query_complete", map[string]any{"formatted_query": "red brick house", "explanation": "kept key attributes"}),
		sse.JSON("search_start", map[string]any{"message": "Running similarity search"}),
		sse.JSON("search_complete", map[string]any{"matches_count": 2}),
		sse.JSON("reasoning_start", map[string]any{"message": "Reasoning about matches"}),
		sse.JSON("reasoning_progress", map[string]any{"message": "Analyzing match 1", "chunk": "brick facade", "match_index": 1}),
		sse.JSON("match_reasoning_complete", map[string]any{"id": "m1", "photo_url": "https://photos/1.jpg", "similarity": 0.92, "rank": 1, "match_index": 1}),
		sse.JSON("reasoning_progress", map[string]any{"message": "Analyzing match 2", "chunk": "two floors", "match_index": 2}),
		sse.JSON("match_reasoning_complete", map[string]any{"id": "m2", "photo_url": "https://photos/2.jpg", "similarity": 0.81, "rank": 2, "match_index": 2}),
		sse.JSON("reasoning_complete", map[string]any{"matches_count": 2}),
		sse.JSON("complete", nil),
	}
}
