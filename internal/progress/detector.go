package progress

import "regexp"

// BoundaryDetector attributes a reasoning update to a match. It
// returns a stable identifier, or "" when the payload gives no signal.
// A change of identifier between consecutive updates marks a match
// boundary.
type BoundaryDetector interface {
	MatchID(payload map[string]any) string
}

// KeyDetector reads an explicit identifier field from the payload.
type KeyDetector struct {
	Keys []string
}

func (d *KeyDetector) MatchID(payload map[string]any) string {
	for _, k := range d.Keys {
		if v := strOrNum(payload, k); v != "" {
			return v
		}
	}
	return ""
}

// MessageDetector extracts the match ordinal from progress messages
// like "Analyzing match 2 of 4". It exists for producers that do not
// tag updates with an identifier and is inherently fuzzier than
// KeyDetector.
type MessageDetector struct {
	re *regexp.Regexp
}

func NewMessageDetector() *MessageDetector {
	return &MessageDetector{re: regexp.MustCompile(`(?i)match\s+(\d+)`)}
}

func (d *MessageDetector) MatchID(payload map[string]any) string {
	m := d.re.FindStringSubmatch(str(payload, "message"))
	if m == nil {
		return ""
	}
	return m[1]
}

// ChainDetector tries each detector in order and returns the first
// identifier found.
type ChainDetector []BoundaryDetector

func (c ChainDetector) MatchID(payload map[string]any) string {
	for _, d := range c {
		if id := d.MatchID(payload); id != "" {
			return id
		}
	}
	return ""
}

// DefaultDetector prefers explicit match_id or match_index fields and
// falls back to the message heuristic.
func DefaultDetector() BoundaryDetector {
	return ChainDetector{
		&KeyDetector{Keys: []string{"match_id", "match_index"}},
		NewMessageDetector(),
	}
}
