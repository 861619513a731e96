package chat

import "strings"

// Divergence measures how far a streamed answer drifted from the
// authoritative final answer: token-level edit distance normalized by
// the final answer's token count. 0 means the stream matched exactly,
// 1 means nothing survived.
func Divergence(streamed, final string) float64 {
	hyp := tokenize(streamed)
	ref := tokenize(final)
	if len(ref) == 0 {
		if len(hyp) == 0 {
			return 0
		}
		return 1
	}
	d := editDistance(hyp, ref)
	r := float64(d) / float64(len(ref))
	if r > 1 {
		r = 1
	}
	return r
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func editDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
