package records

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picqlabs/picq-relay/internal/upstream"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	eps, err := upstream.NewEndpoints(srv.URL, upstream.DefaultPaths())
	require.NoError(t, err)
	return NewClient(srv.Client(), eps)
}

func TestCreateSearchMultipart(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/db/insert/searches", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "red brick house", r.FormValue("query_text"))

		file, header, err := r.FormFile("query_image")
		require.NoError(t, err)
		defer file.Close()
		img, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "fake-jpeg-bytes", string(img))
		assert.Equal(t, "house.jpg", header.Filename)

		json.NewEncoder(w).Encode(SearchCreated{
			SearchID:      "s-1",
			QueryText:     "red brick house",
			QueryImageURL: "https://photos/house.jpg",
			Success:       true,
		})
	})

	created, err := c.CreateSearch(context.Background(), "red brick house", strings.NewReader("fake-jpeg-bytes"), "house.jpg")
	require.NoError(t, err)
	assert.Equal(t, "s-1", created.SearchID)
	assert.True(t, created.Success)
}

func TestCreateSearchWithoutImage(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "any query", r.FormValue("query_text"))
		_, _, err := r.FormFile("query_image")
		assert.Error(t, err, "no image part expected")
		json.NewEncoder(w).Encode(SearchCreated{SearchID: "s-2", Success: true})
	})

	created, err := c.CreateSearch(context.Background(), "any query", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "s-2", created.SearchID)
}

func TestResults(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/db/search_results/s-7", r.URL.Path)
		json.NewEncoder(w).Encode(SearchResults{
			SearchID:   "s-7",
			QueryText:  "old lighthouse",
			HasResults: true,
			Matches: []ResultMatch{{
				ID:                 "m-1",
				PhotoURL:           "https://photos/1.jpg",
				IsBestMatch:        true,
				ReasonForMatch:     "same lantern room",
				InterestingDetails: []string{"salt-worn railing"},
				Rank:               1,
				Heading:            315,
			}},
		})
	})

	res, err := c.Results(context.Background(), "s-7")
	require.NoError(t, err)
	assert.True(t, res.HasResults)
	require.Len(t, res.Matches, 1)
	assert.True(t, res.Matches[0].IsBestMatch)
	assert.Equal(t, []string{"salt-worn railing"}, res.Matches[0].InterestingDetails)
}

func TestHistoryLimit(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/db/chats/match/m-3", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(ChatHistory{
			ChatID:  "c-1",
			MatchID: "m-3",
			Messages: []ChatMessage{
				{ID: "msg-1", IsUser: true, MessageText: "when was this taken?"},
				{ID: "msg-2", IsUser: false, MessageText: "Likely the early 1960s."},
			},
		})
	})

	hist, err := c.History(context.Background(), "m-3", 10)
	require.NoError(t, err)
	assert.Equal(t, "c-1", hist.ChatID)
	require.Len(t, hist.Messages, 2)
	assert.True(t, hist.Messages[0].IsUser)
}

func TestSendChatStreams(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query/chat/stream", r.URL.Path)
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m-3", req.MatchID)
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"event":"processing","data":"{\"message\":\"working\"}"}`+"\n")
	})

	body, err := c.SendChat(context.Background(), ChatRequest{MatchID: "m-3", Message: "where is this?"})
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"processing"`)
}

func TestErrorStatusIncludesBodySnippet(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "search not found", http.StatusNotFound)
	})

	_, err := c.Results(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "search not found")
}
