package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picqlabs/picq-relay/internal/relay"
	"github.com/picqlabs/picq-relay/internal/sse"
	"github.com/picqlabs/picq-relay/internal/stream"
	"github.com/picqlabs/picq-relay/internal/upstream"
)

func newBridge(t *testing.T, mode relay.Mode, maxConns int, upstreamSrv *httptest.Server) *httptest.Server {
	t.Helper()
	base := "http://upstream.test"
	client := http.DefaultClient
	if upstreamSrv != nil {
		base = upstreamSrv.URL
		client = upstreamSrv.Client()
	}
	eps, err := upstream.NewEndpoints(base, upstream.DefaultPaths())
	require.NoError(t, err)
	r := relay.New(relay.Config{Endpoints: eps, Client: client, Mode: mode})
	srv := httptest.NewServer(NewHandler(r, maxConns))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func playbackUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := sse.NewWriter(w)
		sw.WriteFrame(sse.JSON("extract_query_start", map[string]string{"message": "Extracting"}))
		sw.WriteFrame(sse.JSON("extract_query_chunk", map[string]string{"chunk": "red brick"}))
		sw.WriteFrame(sse.JSON("extract_query_complete", map[string]string{"extracted_details": "red brick"}))
		sw.WriteFrame(sse.Frame{Event: "complete"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlerBridgesSearchStream(t *testing.T) {
	for _, mode := range []relay.Mode{relay.ModeReparse, relay.ModePassthrough} {
		t.Run(string(mode), func(t *testing.T) {
			bridge := newBridge(t, mode, 4, playbackUpstream(t))

			var mu sync.Mutex
			var names []string
			c := stream.New(stream.Config{
				URL:       wsURL(bridge),
				Transport: &stream.WSTransport{},
				Body:      []byte(`{"search_id":"s-1","query":"red brick house"}`),
			})
			c.OnAny(func(ev stream.Event) {
				mu.Lock()
				names = append(names, ev.Name)
				mu.Unlock()
			})
			require.NoError(t, c.Connect(context.Background()))

			select {
			case <-c.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("stream did not finish")
			}

			assert.Equal(t, stream.StatusClosed, c.Status())
			require.NoError(t, c.Err())
			assert.Equal(t, 0, c.Attempts())

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "connecting", names[0])
			assert.Contains(t, names, "connected")
			assert.Contains(t, names, "extract_query_chunk")
			assert.Contains(t, names, "complete")
			assert.Equal(t, "stream_end", names[len(names)-1])
		})
	}
}

func TestHandlerAtCapacity(t *testing.T) {
	bridge := newBridge(t, relay.ModeReparse, 1, nil)

	// Park one connection in the handler to hold the only slot.
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(bridge), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	got, err := http.Get(bridge.URL)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, got.StatusCode)
}

func TestHandlerRejectsEmptyQuery(t *testing.T) {
	bridge := newBridge(t, relay.ModeReparse, 4, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(bridge), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"search_id":"s-1","query":""}`)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var p sse.Parser
	frames := p.Feed(msg)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Event)
	assert.Contains(t, frames[0].Data, "query is required")

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
