package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/picqlabs/picq-relay/internal/metrics"
	"github.com/picqlabs/picq-relay/internal/relay"
	"github.com/picqlabs/picq-relay/internal/sse"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler bridges WebSocket clients onto the search stream relay. Each
// connection carries one search: the client sends a request frame,
// then receives serialized stream frames as text messages.
type Handler struct {
	relay *relay.Relay
	sem   chan struct{}
}

// NewHandler creates a bridge with a concurrent connection limit.
func NewHandler(r *relay.Relay, maxConcurrent int) *Handler {
	if maxConcurrent <= 0 {
		maxConcurrent = 100
	}
	return &Handler{
		relay: r,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

// searchMetadata is the first text frame sent by the client.
type searchMetadata struct {
	SearchID string `json:"search_id"`
	Query    string `json:"query"`
	ImageURL string `json:"image_url"`
}

// ServeHTTP upgrades the connection and runs the stream. Returns 503
// when at capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.WSClientsActive.Inc()
	defer metrics.WSClientsActive.Dec()

	h.runStream(conn)
}

func (h *Handler) runStream(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read search metadata", "error", err)
		return
	}

	fw := &frameWriter{conn: conn}
	sw := sse.NewWriter(fw)

	if meta.Query == "" {
		sw.WriteFrame(sse.JSON("error", map[string]string{"message": "query is required"}))
		fw.closeNormal()
		return
	}

	// Any further read from the peer means close or protocol misuse;
	// either way the pump stops.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	slog.Info("websocket search started", "search_id", meta.SearchID)

	req := relay.SearchRequest{SearchID: meta.SearchID, Query: meta.Query, ImageURL: meta.ImageURL}
	if err := h.relay.StreamSearch(ctx, req, sw); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("websocket search cancelled", "search_id", meta.SearchID)
			return
		}
		slog.Error("websocket search failed", "search_id", meta.SearchID, "error", err)
	}

	fw.closeNormal()
	slog.Info("websocket search ended", "search_id", meta.SearchID)
}

// frameWriter serializes writes onto the socket, one text message per
// Write call, so each frame or raw chunk arrives as its own message.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (fw *frameWriter) Write(b []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (fw *frameWriter) closeNormal() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func readMetadata(conn *websocket.Conn) (*searchMetadata, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var meta searchMetadata
	if err = json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
