package capacity

import "strings"

// Scorer reports how similar two heuristic rules are, in [0,1].
type Scorer interface {
	Score(a, b string) float64
}

// Jaccard scores rules by word-set overlap. It is deliberately cheap;
// domains wanting semantic similarity can plug in their own Scorer.
type Jaccard struct{}

func (Jaccard) Score(a, b string) float64 {
	sa, sb := tokens(a), tokens(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:()[]\"'")
		if w != "" {
			out[w] = true
		}
	}
	return out
}
