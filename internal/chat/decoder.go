package chat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Envelope is one line of a chat stream. Data is a JSON string, so the
// payload is encoded twice: once as the envelope, once inside it.
type Envelope struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

type Kind string

const (
	KindProcessing  Kind = "processing"
	KindGenerating  Kind = "generating"
	KindAnswerStart Kind = "answer_start"
	KindAnswerChunk Kind = "answer_chunk"
	KindComplete    Kind = "complete"
	KindError       Kind = "error"
)

// Update is one decoded chat event. Answer is set only on Complete and
// carries the cleaned final text.
type Update struct {
	Kind    Kind
	Message string
	Chunk   string
	Answer  string
}

// Decoder turns a chunked newline-delimited chat stream into updates,
// accumulating answer chunks until the authoritative final answer
// arrives. Undecodable lines are logged and dropped.
type Decoder struct {
	buf        bytes.Buffer
	answer     strings.Builder
	final      string
	done       bool
	divergence float64
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk and returns every update now decodable. Lines may
// span chunks.
func (d *Decoder) Feed(chunk []byte) []Update {
	d.buf.Write(chunk)
	var updates []Update
	for {
		raw := d.buf.Bytes()
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return updates
		}
		line := append([]byte(nil), raw[:i]...)
		d.buf.Next(i + 1)
		if u, ok := d.decodeLine(line); ok {
			updates = append(updates, u)
		}
	}
}

// Close flushes a final unterminated line, for producers that do not
// end their last envelope with a newline.
func (d *Decoder) Close() []Update {
	line := bytes.TrimSpace(d.buf.Bytes())
	d.buf.Reset()
	if len(line) == 0 {
		return nil
	}
	if u, ok := d.decodeLine(line); ok {
		return []Update{u}
	}
	return nil
}

// Drain feeds everything from r through the decoder, invoking fn per
// update, until EOF.
func (d *Decoder) Drain(r io.Reader, fn func(Update)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		for _, u := range d.Feed(line) {
			fn(u)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read chat stream: %w", err)
	}
	for _, u := range d.Close() {
		fn(u)
	}
	return nil
}

// Answer returns the cleaned final answer once complete, otherwise
// whatever has accumulated so far.
func (d *Decoder) Answer() string {
	if d.done {
		return d.final
	}
	return d.answer.String()
}

// Divergence reports how far the streamed chunks drifted from the
// authoritative final answer. Zero until complete.
func (d *Decoder) Divergence() float64 {
	return d.divergence
}

func (d *Decoder) decodeLine(line []byte) (Update, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return Update{}, false
	}
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		slog.Warn("chat envelope decode failed", "err", err)
		return Update{}, false
	}
	var inner struct {
		Message string `json:"message"`
		Chunk   string `json:"chunk"`
		Answer  string `json:"answer"`
	}
	if env.Data != "" {
		if err := json.Unmarshal([]byte(env.Data), &inner); err != nil {
			slog.Warn("chat payload decode failed", "event", env.Event, "err", err)
			return Update{}, false
		}
	}

	u := Update{Kind: Kind(env.Event), Message: inner.Message}
	switch u.Kind {
	case KindAnswerChunk:
		u.Chunk = inner.Chunk
		d.answer.WriteString(inner.Chunk)
	case KindComplete:
		streamed := CleanAnswer(d.answer.String())
		authoritative := CleanAnswer(inner.Answer)
		if authoritative == "" {
			authoritative = streamed
		}
		d.divergence = Divergence(streamed, authoritative)
		if d.divergence > 0 {
			slog.Warn("chat answer diverged from streamed chunks", "divergence", d.divergence)
		}
		d.final = authoritative
		d.done = true
		u.Answer = authoritative
	case KindError:
		d.done = true
	}
	return u, true
}

// CleanAnswer normalizes a final answer for display: trims whitespace,
// drops code fence lines and unwraps a single enclosing <answer> tag.
func CleanAnswer(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "```") {
		var keep []string
		for _, line := range strings.Split(s, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			keep = append(keep, line)
		}
		s = strings.TrimSpace(strings.Join(keep, "\n"))
	}
	if rest, ok := strings.CutPrefix(s, "<answer>"); ok {
		if body, ok := strings.CutSuffix(rest, "</answer>"); ok {
			s = strings.TrimSpace(body)
		}
	}
	return s
}
