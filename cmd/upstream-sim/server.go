package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/picqlabs/picq-relay/internal/chat"
	"github.com/picqlabs/picq-relay/internal/records"
	"github.com/picqlabs/picq-relay/internal/sse"
)

// server holds the scenario and the in-memory record store. Records
// live for the process lifetime only.
type server struct {
	scn *Scenario

	mu       sync.Mutex
	searches map[string]records.SearchCreated
	results  map[string]records.SearchResults
	chats    map[string][]records.ChatMessage
}

func newServer(scn *Scenario) *server {
	return &server{
		scn:      scn,
		searches: make(map[string]records.SearchCreated),
		results:  make(map[string]records.SearchResults),
		chats:    make(map[string][]records.ChatMessage),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query/search/stream", s.handleSearchStream)
	mux.HandleFunc("POST /query/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /db/insert/searches", s.handleInsertSearch)
	mux.HandleFunc("GET /db/search_results/{id}", s.handleSearchResults)
	mux.HandleFunc("GET /db/chats/match/{id}", s.handleChatHistory)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

type searchRequest struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	Image string `json:"image"`
}

func (s *server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sw := sse.NewWriter(w)
	s.scn.playSearch(sw, req.Image != "")

	if req.ID != "" {
		s.storeResults(req)
	}
	slog.Info("search stream played", "search_id", req.ID, "has_image", req.Image != "")
}

func (s *server) storeResults(req searchRequest) {
	res := records.SearchResults{
		SearchID:       req.ID,
		SearchResultID: uuid.NewString(),
		QueryText:      req.Query,
		QueryImageURL:  req.Image,
		HasResults:     len(s.scn.Matches) > 0,
	}
	for i, m := range s.scn.Matches {
		res.Matches = append(res.Matches, records.ResultMatch{
			ID:               fmt.Sprintf("m%d", i+1),
			PhotoURL:         m.PhotoURL,
			FormattedAddress: m.Address,
			IsBestMatch:      i == 0,
			ReasonForMatch:   strings.Join(m.Reasons, ". "),
			Rank:             i + 1,
		})
	}
	s.mu.Lock()
	s.results[req.ID] = res
	s.mu.Unlock()
}

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req records.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.appendMessage(req.MatchID, true, req.Message)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	writeChatLine(w, flush, chat.KindProcessing, map[string]any{"message": "Processing your question"})
	writeChatLine(w, flush, chat.KindGenerating, map[string]any{"message": "Generating answer"})
	writeChatLine(w, flush, chat.KindAnswerStart, map[string]any{})
	answer := s.scn.Chat.Answer
	for _, chunk := range chunkRunes(answer, s.scn.Chat.ChunkSize) {
		pause(s.scn.Chat.DelayMS)
		writeChatLine(w, flush, chat.KindAnswerChunk, map[string]any{"chunk": chunk})
	}
	writeChatLine(w, flush, chat.KindComplete, map[string]any{"answer": answer})

	s.appendMessage(req.MatchID, false, chat.CleanAnswer(answer))
	slog.Info("chat stream played", "match_id", req.MatchID)
}

func writeChatLine(w io.Writer, flush func(), kind chat.Kind, payload any) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return
	}
	line, err := json.Marshal(chat.Envelope{Event: string(kind), Data: string(inner)})
	if err != nil {
		return
	}
	w.Write(append(line, '\n'))
	flush()
}

// chunkRunes splits s into rune-safe pieces of at most size runes. A
// non-positive size yields the whole string as one chunk.
func chunkRunes(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := min(size, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

func (s *server) appendMessage(matchID string, isUser bool, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[matchID] = append(s.chats[matchID], records.ChatMessage{
		ID:          uuid.NewString(),
		IsUser:      isUser,
		MessageText: text,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) handleInsertSearch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "bad multipart form", http.StatusBadRequest)
		return
	}
	created := records.SearchCreated{
		SearchID:  uuid.NewString(),
		QueryText: r.FormValue("query_text"),
		Success:   true,
	}
	if _, header, err := r.FormFile("query_image"); err == nil {
		created.QueryImageURL = "https://sim.local/uploads/" + header.Filename
	}
	s.mu.Lock()
	s.searches[created.SearchID] = created
	s.mu.Unlock()
	writeJSON(w, created)
}

func (s *server) handleSearchResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	res, ok := s.results[id]
	s.mu.Unlock()
	if !ok {
		res = records.SearchResults{SearchID: id, HasResults: false}
	}
	writeJSON(w, res)
}

func (s *server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	s.mu.Lock()
	msgs := append([]records.ChatMessage(nil), s.chats[matchID]...)
	s.mu.Unlock()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	writeJSON(w, records.ChatHistory{
		ChatID:   "chat-" + matchID,
		MatchID:  matchID,
		Messages: msgs,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "healthy",
		"env":         "sim",
		"version":     "0.1.0",
		"last_active": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
