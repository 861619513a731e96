package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/picqlabs/picq-relay/internal/metrics"
	"github.com/picqlabs/picq-relay/internal/records"
	"github.com/picqlabs/picq-relay/internal/relay"
	"github.com/picqlabs/picq-relay/internal/sse"
	"github.com/picqlabs/picq-relay/internal/trace"
	"github.com/picqlabs/picq-relay/internal/upstream"
)

// defaultTraceSessionLimit is how many trace sessions are returned
// when the caller omits the ?limit= query parameter.
const defaultTraceSessionLimit = 20

type deps struct {
	relay      *relay.Relay
	eps        *upstream.Endpoints
	hub        *healthHub
	wsHandler  http.Handler
	traceStore *trace.Store
	streamSem  chan struct{}
	proxy      *http.Client
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/search", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/search/stream", d.handleSearchStream)
	mux.HandleFunc("POST /api/chat/stream", d.handleChatStream)
	mux.HandleFunc("POST /api/searches", d.handleCreateSearch)
	mux.HandleFunc("GET /api/searches/{id}/results", d.handleSearchResults)
	mux.HandleFunc("GET /api/chats/match/{id}", d.handleChatHistory)
	mux.HandleFunc("GET /api/upstream", d.handleUpstream)
	mux.HandleFunc("GET /api/upstream/stream", d.handleUpstreamStream)
	registerTraceRoutes(mux, d.traceStore)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	req := relay.SearchRequest{
		SearchID: q.Get("search_id"),
		Query:    q.Get("query"),
		ImageURL: q.Get("image_url"),
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.SearchID == "" {
		req.SearchID = uuid.NewString()
	}

	select {
	case d.streamSem <- struct{}{}:
		defer func() { <-d.streamSem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	slog.Info("search stream started", "search_id", req.SearchID, "mode", d.relay.Mode())
	if err := d.relay.StreamSearch(r.Context(), req, sse.NewWriter(w)); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("search stream cancelled", "search_id", req.SearchID)
			return
		}
		slog.Error("search stream failed", "search_id", req.SearchID, "error", err)
		return
	}
	slog.Info("search stream finished", "search_id", req.SearchID)
}

func (d deps) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req records.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.MatchID == "" || req.Message == "" {
		http.Error(w, "match_id and message are required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	slog.Info("chat stream started", "match_id", req.MatchID)
	if err := d.relay.StreamChat(r.Context(), req, &flushWriter{w: w, flush: flush}); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("chat stream failed", "match_id", req.MatchID, "error", err)
	}
}

func (d deps) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	metrics.ProxyRequests.WithLabelValues("search_insert").Inc()
	d.proxyRecord(w, r, "POST", d.eps.URL(upstream.CapSearchInsert))
}

func (d deps) handleSearchResults(w http.ResponseWriter, r *http.Request) {
	metrics.ProxyRequests.WithLabelValues("search_results").Inc()
	d.proxyRecord(w, r, "GET", d.eps.URL(upstream.CapSearchResults, r.PathValue("id")))
}

func (d deps) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	metrics.ProxyRequests.WithLabelValues("chat_history").Inc()
	u := d.eps.URL(upstream.CapChatHistory, r.PathValue("id"))
	if limit := r.URL.Query().Get("limit"); limit != "" {
		u += "?limit=" + limit
	}
	d.proxyRecord(w, r, "GET", u)
}

// proxyRecord forwards one record request to the upstream store and
// streams the answer back, preserving status and content type.
func (d deps) proxyRecord(w http.ResponseWriter, r *http.Request, method, url string) {
	req, err := http.NewRequestWithContext(r.Context(), method, url, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	resp, err := d.proxy.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("proxy", "http").Inc()
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (d deps) handleUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	data := d.hub.snapshot()
	if data == nil {
		w.Write([]byte(`{"up":false}`))
		return
	}
	w.Write(data)
}

func (d deps) handleUpstreamStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if data := d.hub.snapshot(); data != nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	ch := d.hub.subscribe()
	defer d.hub.unsubscribe(ch)
	slog.Info("upstream/stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("upstream/stream client disconnected", "remote", r.RemoteAddr)
			return
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

type flushWriter struct {
	w     io.Writer
	flush func()
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.flush()
	return n, err
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/streams", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/streams/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, pumps, err := store.GetSession(r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"session": sess, "pumps": pumps})
	})

	mux.HandleFunc("GET /api/traces/streams/{id}/pumps/{pumpId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		pump, spans, err := store.GetPump(r.PathValue("id"), r.PathValue("pumpId"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"pump": pump, "spans": spans})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
