package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"github.com/picqlabs/picq-relay/internal/sse"
)

// WSTransport reads frames from a websocket connection. Each text
// message carries serialized frame bytes, so the same parser handles
// both transports. When a Request carries a body it is sent as the
// first message, which the bridge reads as the stream request.
type WSTransport struct {
	Dialer *websocket.Dialer
}

func (t *WSTransport) Open(ctx context.Context, req Request) (FrameReader, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, resp, err := d.DialContext(ctx, req.URL, req.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if req.Body != nil {
		if err := conn.WriteMessage(websocket.TextMessage, req.Body); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send stream request: %w", err)
		}
	}
	return &wsReader{conn: conn}, nil
}

type wsReader struct {
	conn    *websocket.Conn
	parser  sse.Parser
	pending []sse.Frame
	done    bool
	err     error
}

func (r *wsReader) Next() (sse.Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}
		if r.done {
			return sse.Frame{}, r.err
		}
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			r.done = true
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.err = io.EOF
			} else {
				r.err = err
			}
			if f, ok := r.parser.Close(); ok {
				r.pending = append(r.pending, f)
			}
			continue
		}
		r.pending = r.parser.Feed(msg)
	}
}

func (r *wsReader) Close() error { return r.conn.Close() }
