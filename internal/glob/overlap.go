// Package glob decides whether two glob patterns can match the same path.
// Overlap detection is the conflict test for file claims: a literal path is
// just a pattern with no wildcards, so Overlaps covers both cases.
package glob

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxTokens    = 64
	maxWildcards = 12
)

type tokKind int

const (
	tokLiteral tokKind = iota
	tokAny             // ?
	tokStar            // *
	tokClass           // [...]
)

type span struct{ lo, hi rune }

type tok struct {
	kind  tokKind
	lit   rune
	spans []span
}

const maxRune = rune(0x10FFFF)

// anyNonSep matches every rune except the path separator.
var anyNonSep = []span{{lo: 0, hi: '/' - 1}, {lo: '/' + 1, hi: maxRune}}

// Validate rejects patterns whose token or wildcard count would make overlap
// checks expensive. Called at the claim API boundary.
func Validate(pattern string) error {
	tokens, wildcards := 0, 0
	for _, seg := range strings.Split(filepath.ToSlash(pattern), "/") {
		ts, err := lex(seg)
		if err != nil {
			return err
		}
		tokens += len(ts)
		for _, t := range ts {
			if t.kind == tokStar || t.kind == tokAny {
				wildcards++
			}
		}
	}
	if tokens > maxTokens {
		return fmt.Errorf("pattern too complex: %d tokens (limit %d)", tokens, maxTokens)
	}
	if wildcards > maxWildcards {
		return fmt.Errorf("pattern too complex: %d wildcards (limit %d)", wildcards, maxWildcards)
	}
	return nil
}

// Overlaps reports whether patterns a and b can both match some path.
// Patterns with different segment counts never overlap ('*' does not cross
// separators).
func Overlaps(a, b string) (bool, error) {
	segsA := strings.Split(filepath.ToSlash(a), "/")
	segsB := strings.Split(filepath.ToSlash(b), "/")
	if len(segsA) != len(segsB) {
		return false, nil
	}
	for i := range segsA {
		ok, err := segmentOverlap(segsA[i], segsB[i])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// segmentOverlap runs a breadth-first product construction over the two
// token streams. A pair state (i,j) is reachable if some string is accepted
// by prefix i of a and prefix j of b simultaneously.
func segmentOverlap(a, b string) (bool, error) {
	ta, err := lex(a)
	if err != nil {
		return false, err
	}
	tb, err := lex(b)
	if err != nil {
		return false, err
	}

	type pair struct{ i, j int }
	seen := make(map[pair]bool)
	queue := make([]pair, 0, (len(ta)+1)*(len(tb)+1))

	// expand follows epsilon moves: a star may consume nothing.
	var expand func(p pair)
	expand = func(p pair) {
		if seen[p] {
			return
		}
		seen[p] = true
		queue = append(queue, p)
		if p.i < len(ta) && ta[p.i].kind == tokStar {
			expand(pair{p.i + 1, p.j})
		}
		if p.j < len(tb) && tb[p.j].kind == tokStar {
			expand(pair{p.i, p.j + 1})
		}
	}
	expand(pair{0, 0})

	for idx := 0; idx < len(queue); idx++ {
		p := queue[idx]
		if p.i == len(ta) && p.j == len(tb) {
			return true, nil
		}
		if p.i == len(ta) || p.j == len(tb) {
			continue
		}
		ni, sa := consume(ta, p.i)
		nj, sb := consume(tb, p.j)
		if spansIntersect(sa, sb) {
			expand(pair{ni, nj})
		}
	}
	return false, nil
}

// consume returns the successor index after matching one rune at idx, plus
// the rune spans that token accepts. A star stays in place (it can absorb
// more runes).
func consume(ts []tok, idx int) (int, []span) {
	t := ts[idx]
	switch t.kind {
	case tokStar:
		return idx, anyNonSep
	case tokLiteral:
		return idx + 1, []span{{lo: t.lit, hi: t.lit}}
	default:
		return idx + 1, t.spans
	}
}

func lex(segment string) ([]tok, error) {
	runes := []rune(segment)
	out := make([]tok, 0, len(runes))
	for i := 0; i < len(runes); {
		switch runes[i] {
		case '*':
			out = append(out, tok{kind: tokStar})
			i++
		case '?':
			out = append(out, tok{kind: tokAny, spans: anyNonSep})
			i++
		case '[':
			t, next, err := lexClass(runes, i)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
			i = next
		case '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("bad pattern %q", segment)
			}
			out = append(out, tok{kind: tokLiteral, lit: runes[i+1]})
			i += 2
		default:
			out = append(out, tok{kind: tokLiteral, lit: runes[i]})
			i++
		}
	}
	return out, nil
}

func lexClass(runes []rune, start int) (tok, int, error) {
	i := start + 1
	if i >= len(runes) {
		return tok{}, 0, fmt.Errorf("unterminated class")
	}
	negated := false
	if runes[i] == '^' {
		negated = true
		i++
	}

	var spans []span
	closed := false
	for i < len(runes) {
		if runes[i] == ']' && len(spans) > 0 {
			i++
			closed = true
			break
		}
		lo, next, err := classRune(runes, i)
		if err != nil {
			return tok{}, 0, err
		}
		i = next
		if i+1 < len(runes) && runes[i] == '-' && runes[i+1] != ']' {
			hi, nextHi, err := classRune(runes, i+1)
			if err != nil {
				return tok{}, 0, err
			}
			if hi < lo {
				return tok{}, 0, fmt.Errorf("inverted range in class")
			}
			spans = append(spans, span{lo: lo, hi: hi})
			i = nextHi
			continue
		}
		spans = append(spans, span{lo: lo, hi: lo})
	}
	if !closed {
		return tok{}, 0, fmt.Errorf("unterminated class")
	}

	spans = normalize(spans)
	if negated {
		spans = subtract(anyNonSep, spans)
	} else {
		spans = intersect(spans, anyNonSep)
	}
	return tok{kind: tokClass, spans: spans}, i, nil
}

func classRune(runes []rune, idx int) (rune, int, error) {
	if idx >= len(runes) {
		return 0, 0, fmt.Errorf("unterminated class")
	}
	if runes[idx] != '\\' {
		return runes[idx], idx + 1, nil
	}
	if idx+1 >= len(runes) {
		return 0, 0, fmt.Errorf("trailing escape in class")
	}
	return runes[idx+1], idx + 2, nil
}

func spansIntersect(a, b []span) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].hi < b[j].lo:
			i++
		case b[j].hi < a[i].lo:
			j++
		default:
			return true
		}
	}
	return false
}

func intersect(a, b []span) []span {
	a, b = normalize(a), normalize(b)
	out := make([]span, 0)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo, hi := a[i].lo, a[i].hi
		if b[j].lo > lo {
			lo = b[j].lo
		}
		if b[j].hi < hi {
			hi = b[j].hi
		}
		if lo <= hi {
			out = append(out, span{lo: lo, hi: hi})
		}
		if a[i].hi < b[j].hi {
			i++
		} else {
			j++
		}
	}
	return out
}

func subtract(base, sub []span) []span {
	base, sub = normalize(base), normalize(sub)
	out := make([]span, 0, len(base))
	for _, b := range base {
		remain := []span{b}
		for _, s := range sub {
			next := remain[:0:0]
			for _, r := range remain {
				if s.hi < r.lo || s.lo > r.hi {
					next = append(next, r)
					continue
				}
				if s.lo > r.lo {
					next = append(next, span{lo: r.lo, hi: s.lo - 1})
				}
				if s.hi < r.hi {
					next = append(next, span{lo: s.hi + 1, hi: r.hi})
				}
			}
			remain = next
			if len(remain) == 0 {
				break
			}
		}
		out = append(out, remain...)
	}
	return out
}

func normalize(spans []span) []span {
	if len(spans) <= 1 {
		return spans
	}
	cp := append([]span(nil), spans...)
	sort.Slice(cp, func(i, j int) bool {
		if cp[i].lo == cp[j].lo {
			return cp[i].hi < cp[j].hi
		}
		return cp[i].lo < cp[j].lo
	})
	out := cp[:1]
	for _, s := range cp[1:] {
		last := &out[len(out)-1]
		if s.lo <= last.hi+1 {
			if s.hi > last.hi {
				last.hi = s.hi
			}
			continue
		}
		out = append(out, s)
	}
	return out
}
