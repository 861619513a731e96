package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/picqlabs/picq-relay/internal/httpx"
	"github.com/picqlabs/picq-relay/internal/records"
	"github.com/picqlabs/picq-relay/internal/stream"
	"github.com/picqlabs/picq-relay/internal/upstream"
)

// relayPaths maps the record capabilities onto the relay's own API
// surface, so the same records client works against the relay instead
// of the upstream store.
func relayPaths() map[string]string {
	return map[string]string{
		upstream.CapSearchStream:  "/api/search/stream",
		upstream.CapChatStream:    "/api/chat/stream",
		upstream.CapSearchInsert:  "/api/searches",
		upstream.CapSearchResults: "/api/searches/%s/results",
		upstream.CapChatHistory:   "/api/chats/match/%s",
		upstream.CapHealth:        "/health",
	}
}

func recordsClient(c *cli.Context) (*records.Client, error) {
	eps, err := upstream.NewEndpoints(c.String("relay"), relayPaths())
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid relay URL: %v", err), 1)
	}
	// The timeout covers streamed chat bodies too, so it is generous.
	return records.NewClient(httpx.NewPooledClient(10, 2*time.Minute), eps), nil
}

// streamConfig builds the stream client configuration for the chosen
// transport: a GET event stream, or the WebSocket bridge with the
// request sent as the first message.
func streamConfig(c *cli.Context, searchID, query, imageURL string) (stream.Config, error) {
	router := stream.NewRouter(map[string]stream.Transport{
		"sse": &stream.SSETransport{},
		"ws":  &stream.WSTransport{},
	}, "sse")
	transport := router.Route(c.String("transport"))

	base := strings.TrimSuffix(c.String("relay"), "/")
	cfg := stream.Config{Transport: transport}

	if c.String("transport") == "ws" {
		meta, err := json.Marshal(map[string]string{
			"search_id": searchID,
			"query":     query,
			"image_url": imageURL,
		})
		if err != nil {
			return stream.Config{}, err
		}
		cfg.URL = "ws" + strings.TrimPrefix(base, "http") + "/ws/search"
		cfg.Body = meta
		return cfg, nil
	}

	params := url.Values{}
	params.Set("search_id", searchID)
	params.Set("query", query)
	if imageURL != "" {
		params.Set("image_url", imageURL)
	}
	cfg.URL = base + "/api/search/stream?" + params.Encode()
	return cfg, nil
}
