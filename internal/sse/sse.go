package sse

import (
	"bytes"
	"strings"
)

// DefaultEvent is the event name assumed when a frame carries no
// "event:" line, or when the line is malformed.
const DefaultEvent = "message"

// Frame is a single server-sent event: an event name and a data
// payload. Data is usually JSON but the codec does not care.
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// Parser splits an incoming byte stream into frames on the blank-line
// terminator. Bytes belonging to an unterminated frame are held across
// Feed calls, so arbitrary chunk boundaries are safe, including splits
// inside the terminator itself.
type Parser struct {
	buf bytes.Buffer
}

// Feed appends chunk to the internal buffer and returns every complete
// frame now available, in stream order.
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buf.Write(chunk)
	var frames []Frame
	for {
		raw := p.buf.Bytes()
		i := bytes.Index(raw, []byte("\n\n"))
		if i < 0 {
			return frames
		}
		block := string(raw[:i])
		p.buf.Next(i + 2)
		frames = append(frames, parseBlock(block))
	}
}

// Close flushes the remaining buffer as a best-effort final frame for
// producers that do not terminate their last frame before closing.
// The second return is false when nothing but whitespace remained.
func (p *Parser) Close() (Frame, bool) {
	rest := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if rest == "" {
		return Frame{}, false
	}
	return parseBlock(rest), true
}

func parseBlock(block string) Frame {
	f := Frame{Event: DefaultEvent}
	var data []string
	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			f.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	f.Data = strings.Join(data, "\n")
	return f
}
