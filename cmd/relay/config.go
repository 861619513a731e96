package main

import (
	"os"
	"strconv"
	"time"

	"github.com/picqlabs/picq-relay/internal/upstream"
)

type config struct {
	port            string
	upstreamURL     string
	paths           map[string]string
	mode            string
	poolSize        int
	upstreamTimeout time.Duration
	maxStreams      int
	wsMaxConns      int
	traceDBURL      string
	healthInterval  time.Duration
}

func loadConfig() config {
	paths := upstream.DefaultPaths()
	for capability, key := range map[string]string{
		upstream.CapSearchStream:  "UPSTREAM_SEARCH_STREAM_PATH",
		upstream.CapChatStream:    "UPSTREAM_CHAT_STREAM_PATH",
		upstream.CapSearchInsert:  "UPSTREAM_SEARCH_INSERT_PATH",
		upstream.CapSearchResults: "UPSTREAM_SEARCH_RESULTS_PATH",
		upstream.CapChatHistory:   "UPSTREAM_CHAT_HISTORY_PATH",
		upstream.CapHealth:        "UPSTREAM_HEALTH_PATH",
	} {
		paths[capability] = envStr(key, paths[capability])
	}

	return config{
		port:        envStr("RELAY_PORT", "8090"),
		upstreamURL: envStr("UPSTREAM_URL", "http://localhost:8000"),
		paths:       paths,
		mode:        envStr("RELAY_MODE", "reparse"),
		poolSize:    envInt("HTTP_POOL_SIZE", 50),
		// Covers the whole streamed body, not just the headers. Zero
		// disables the timeout entirely.
		upstreamTimeout: time.Duration(envInt("UPSTREAM_TIMEOUT_SECONDS", 300)) * time.Second,
		maxStreams:      envInt("MAX_CONCURRENT_STREAMS", 100),
		wsMaxConns:      envInt("WS_MAX_CONNECTIONS", 100),
		traceDBURL:      envStr("TRACE_DB_URL", ""),
		healthInterval:  time.Duration(envInt("HEALTH_POLL_SECONDS", 15)) * time.Second,
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
