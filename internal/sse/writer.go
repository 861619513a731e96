package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Writer serializes frames onto a byte stream, flushing after every
// write so events reach the peer as they are produced rather than when
// a transport buffer fills.
type Writer struct {
	w     io.Writer
	flush func()
}

// NewWriter wraps w. When w implements http.Flusher each write is
// flushed through it; otherwise flushing is a no-op.
func NewWriter(w io.Writer) *Writer {
	fl := func() {}
	if f, ok := w.(http.Flusher); ok {
		fl = f.Flush
	}
	return &Writer{w: w, flush: fl}
}

// WriteFrame serializes one frame. Frames with the default event name
// omit the "event:" line, matching how they were produced.
func (sw *Writer) WriteFrame(f Frame) error {
	var err error
	if f.Event == "" || f.Event == DefaultEvent {
		_, err = fmt.Fprintf(sw.w, "data: %s\n\n", f.Data)
	} else {
		_, err = fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
	}
	if err != nil {
		return err
	}
	sw.flush()
	return nil
}

// Write forwards raw bytes untouched, flushing afterwards. It lets a
// Writer stand in wherever an io.Writer is expected.
func (sw *Writer) Write(b []byte) (int, error) {
	n, err := sw.w.Write(b)
	sw.flush()
	return n, err
}

// JSON builds a frame whose data is the JSON encoding of payload.
func JSON(event string, payload any) Frame {
	if payload == nil {
		return Frame{Event: event}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{Event: event}
	}
	return Frame{Event: event, Data: string(b)}
}
