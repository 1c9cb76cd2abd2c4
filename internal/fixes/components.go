package fixes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/layerfix/internal/lexer"
)

// requiredAttrs maps an element to the attribute Components adds when it is
// missing.
var requiredAttrs = map[string]struct{ name, insert, note string }{
	"img":    {name: "alt", insert: ` alt=""`, note: `added alt="" to <img>`},
	"button": {name: "type", insert: ` type="button"`, note: `added type="button" to <button>`},
}

type insertion struct {
	at   int
	text string
}

// Components adds accessibility and form-safety attributes to JSX elements.
// Elements with spread props are left alone.
func Components(code string) (string, []string) {
	toks := lexer.Significant(code)
	var edits []insertion
	var improvements []string

	for i := 0; i+1 < len(toks); i++ {
		if toks[i].Kind != lexer.TagOpen || toks[i+1].Kind != lexer.Ident {
			continue
		}
		req, ok := requiredAttrs[toks[i+1].Text]
		if !ok {
			continue
		}
		end, present := scanAttrs(toks, i, req.name)
		if end < 0 || present {
			continue
		}
		edits = append(edits, insertion{at: toks[end-1].End, text: req.insert})
		improvements = append(improvements, fmt.Sprintf("%s on line %d", req.note, lineOf(code, toks[i].Start)))
	}
	if len(edits) == 0 {
		return code, nil
	}

	sort.Slice(edits, func(a, b int) bool { return edits[a].at < edits[b].at })
	var b strings.Builder
	last := 0
	for _, e := range edits {
		b.WriteString(code[last:e.at])
		b.WriteString(e.text)
		last = e.at
	}
	b.WriteString(code[last:])
	return b.String(), improvements
}

// scanAttrs walks the tag opened at toks[open] and returns the index of its
// ">" or "/>" token, and whether attr (or a spread) appears among its own
// attributes. Nested tags inside attribute expressions are skipped. end is
// -1 when the tag never closes.
func scanAttrs(toks []lexer.Token, open int, attr string) (end int, present bool) {
	depth := 0
	braces := 0
	for j := open; j < len(toks); j++ {
		t := toks[j]
		switch t.Kind {
		case lexer.TagOpen, lexer.TagClose:
			depth++
		case lexer.TagEnd, lexer.TagSelfEnd:
			depth--
			if depth == 0 {
				return j, present
			}
		case lexer.Punct:
			switch t.Text {
			case "{":
				if depth == 1 && braces == 0 && j+1 < len(toks) && toks[j+1].Text == "." {
					present = true
				}
				braces++
			case "}":
				braces--
			}
		case lexer.Ident:
			if depth == 1 && braces == 0 && t.Text == attr {
				present = true
			}
		}
	}
	return -1, present
}

func lineOf(code string, offset int) int {
	return strings.Count(code[:offset], "\n") + 1
}
