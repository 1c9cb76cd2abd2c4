package pattern

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/lucasnoah/layerfix/internal/lexer"
)

// maxEditDistance caps the Myers search. Edits further apart than this are
// treated as rewrites and not learned from.
const maxEditDistance = 256

type opKind int8

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

// diffOps returns the shortest edit script turning a into b, or false when
// the distance exceeds maxD.
func diffOps(a, b []string, maxD int) ([]opKind, bool) {
	n, m := len(a), len(b)
	max := n + m
	if maxD > 0 && maxD < max {
		max = maxD
	}
	offset := max + 1
	v := make([]int, 2*max+3)
	var trace [][]int

	for d := 0; d <= max; d++ {
		trace = append(trace, append([]int(nil), v...))
		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
				x = v[offset+k+1]
			} else {
				x = v[offset+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[offset+k] = x
			if x >= n && y >= m {
				return backtrack(trace, n, m, offset), true
			}
		}
	}
	return nil, false
}

func backtrack(trace [][]int, n, m, offset int) []opKind {
	x, y := n, m
	var ops []opKind
	for d := len(trace) - 1; d >= 0; d-- {
		v := trace[d]
		k := x - y
		var prevK int
		if k == -d || (k != d && v[offset+k-1] < v[offset+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := v[offset+prevK]
		prevY := prevX - prevK
		for x > prevX && y > prevY {
			ops = append(ops, opEqual)
			x--
			y--
		}
		if d > 0 {
			if x == prevX {
				ops = append(ops, opInsert)
			} else {
				ops = append(ops, opDelete)
			}
		}
		x, y = prevX, prevY
	}
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
	return ops
}

// hunk is a maximal run of non-equal edits: a[A0:A1] became b[B0:B1].
type hunk struct {
	A0, A1, B0, B1 int
}

func hunks(ops []opKind) []hunk {
	var out []hunk
	var cur *hunk
	ai, bi := 0, 0
	for _, op := range ops {
		switch op {
		case opEqual:
			if cur != nil {
				out = append(out, *cur)
				cur = nil
			}
			ai++
			bi++
		case opDelete:
			if cur == nil {
				cur = &hunk{A0: ai, A1: ai, B0: bi, B1: bi}
			}
			ai++
			cur.A1 = ai
		case opInsert:
			if cur == nil {
				cur = &hunk{A0: ai, A1: ai, B0: bi, B1: bi}
			}
			bi++
			cur.B1 = bi
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// Delta is one learned edit: the before tokens (with context) and what they
// became.
type Delta struct {
	Signature string
	// Before and After are source text spans covering the hunk and its
	// context tokens.
	Before string
	After  string
}

// Extract computes the token-level deltas between pre and post. Each hunk
// is widened by one leading and up to two trailing unchanged tokens; hunks
// touching more than maxTokens tokens are dropped, as are hunks whose
// before side has no identifier, string or number to anchor on and hunks
// whose after side still contains the before side.
func Extract(pre, post string, maxTokens int) []Delta {
	if pre == post {
		return nil
	}
	a := lexer.Significant(pre)
	b := lexer.Significant(post)
	an := normals(a)
	bn := normals(b)

	// Strip the common prefix and suffix before the quadratic search.
	p := 0
	for p < len(an) && p < len(bn) && an[p] == bn[p] {
		p++
	}
	s := 0
	for s < len(an)-p && s < len(bn)-p && an[len(an)-1-s] == bn[len(bn)-1-s] {
		s++
	}
	ops, ok := diffOps(an[p:len(an)-s], bn[p:len(bn)-s], maxEditDistance)
	if !ok {
		return nil
	}

	var out []Delta
	for _, h := range hunks(ops) {
		h.A0, h.A1, h.B0, h.B1 = h.A0+p, h.A1+p, h.B0+p, h.B1+p
		if maxTokens > 0 && (h.A1-h.A0)+(h.B1-h.B0) > maxTokens {
			continue
		}
		left := 0
		if h.A0 > 0 && h.B0 > 0 && an[h.A0-1] == bn[h.B0-1] {
			left = 1
		}
		right := 0
		for right < 2 && h.A1+right < len(an) && h.B1+right < len(bn) && an[h.A1+right] == bn[h.B1+right] {
			right++
		}
		before := a[h.A0-left : h.A1+right]
		after := b[h.B0-left : h.B1+right]
		if !anchored(before) || containsSeq(bn[h.B0-left:h.B1+right], an[h.A0-left:h.A1+right]) {
			continue
		}
		out = append(out, Delta{
			Signature: signature(before, after),
			Before:    span(pre, before),
			After:     span(post, after),
		})
	}
	return out
}

func containsSeq(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return len(needle) == 0
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return true
	}
	return false
}

func normals(toks []lexer.Token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = lexer.Normal(t)
	}
	return out
}

func anchored(toks []lexer.Token) bool {
	for _, t := range toks {
		switch t.Kind {
		case lexer.Ident, lexer.String, lexer.Number:
			return true
		}
	}
	return false
}

func span(src string, toks []lexer.Token) string {
	if len(toks) == 0 {
		return ""
	}
	return src[toks[0].Start:toks[len(toks)-1].End]
}

// signature hashes the normalized before and after token streams, so
// whitespace, comments and quote style do not affect it.
func signature(before, after []lexer.Token) string {
	h := sha256.New()
	h.Write([]byte(lexer.Join(before)))
	h.Write([]byte{0x1e})
	h.Write([]byte(lexer.Join(after)))
	return hex.EncodeToString(h.Sum(nil))
}

// ruleID derives a stable rule id from its signature.
func ruleID(sig string) string {
	return "r-" + sig[:12]
}

func digest(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:8])
}
