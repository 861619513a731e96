// upstream-sim is a stand-in for the search pipeline service. It
// replays a scripted scenario over the same streaming surface, so the
// relay and its clients can be exercised without the real pipeline.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type config struct {
	port         string
	scenarioFile string
}

func loadConfig() config {
	return config{
		port:         envStr("SIM_PORT", "8000"),
		scenarioFile: envStr("SIM_SCENARIO", ""),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := loadConfig()
	scn, err := LoadScenario(cfg.scenarioFile)
	if err != nil {
		slog.Error("load scenario", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.port,
		Handler: newServer(scn).routes(),
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	slog.Info("upstream-sim starting", "addr", srv.Addr, "scenario", cfg.scenarioFile)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
	slog.Info("upstream-sim stopped")
}
