package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/picqlabs/picq-relay/internal/httpx"
	"github.com/picqlabs/picq-relay/internal/relay"
	"github.com/picqlabs/picq-relay/internal/trace"
	"github.com/picqlabs/picq-relay/internal/upstream"
	"github.com/picqlabs/picq-relay/internal/ws"
)

// proxyTimeout is the HTTP client timeout for proxied record requests
// to the upstream store.
const proxyTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	mode, err := relay.ParseMode(cfg.mode)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	eps, err := upstream.NewEndpoints(cfg.upstreamURL, cfg.paths)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var traceStore *trace.Store
	var tracer *trace.Tracer
	if cfg.traceDBURL != "" {
		traceStore, err = trace.Open(cfg.traceDBURL)
		if err != nil {
			slog.Error("open trace store", "error", err)
			os.Exit(1)
		}
		tracer = trace.NewTracer(traceStore)
		slog.Info("tracing enabled")
	}

	rly := relay.New(relay.Config{
		Endpoints: eps,
		Client:    httpx.NewPooledClient(cfg.poolSize, cfg.upstreamTimeout),
		Mode:      mode,
		Tracer:    tracer,
	})

	hub := newHealthHub(eps)
	pollCtx, pollCancel := context.WithCancel(context.Background())
	go hub.poll(pollCtx, cfg.healthInterval)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		relay:      rly,
		eps:        eps,
		hub:        hub,
		wsHandler:  ws.NewHandler(rly, cfg.wsMaxConns),
		traceStore: traceStore,
		streamSem:  make(chan struct{}, cfg.maxStreams),
		proxy:      httpx.NewPooledClient(cfg.poolSize, proxyTimeout),
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("relay starting", "addr", addr, "mode", mode, "upstream", cfg.upstreamURL)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	pollCancel()
	tracer.Close()
	if traceStore != nil {
		traceStore.Close()
	}
	slog.Info("relay stopped")
}
