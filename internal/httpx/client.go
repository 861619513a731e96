package httpx

import (
	"net/http"
	"time"
)

// NewPooledClient creates an http.Client with connection pooling and a
// tuned transport. The timeout bounds the whole request including the
// streamed body, so stream callers should pass one that covers their
// longest expected stream; zero disables it.
func NewPooledClient(poolSize int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          poolSize,
			MaxIdleConnsPerHost:   poolSize,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}
