package checks

import (
	"fmt"

	"github.com/lucasnoah/layerfix/internal/lexer"
)

var closerFor = map[string]string{"(": ")", "[": "]", "{": "}"}

// DelimiterImbalance counts unmatched or mismatched braces, parentheses and
// brackets. Delimiters inside strings, comments and JSX text do not count.
func DelimiterImbalance(toks []lexer.Token) int {
	var stack []string
	bad := 0
	for _, t := range toks {
		if t.Kind != lexer.Punct {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			stack = append(stack, t.Text)
		case ")", "]", "}":
			bad += popTo(&stack, func(open string) bool { return closerFor[open] == t.Text })
		}
	}
	return bad + len(stack)
}

// TagImbalance counts unclosed JSX elements, stray or mismatched closing tags
// and tags left open at end of input.
func TagImbalance(toks []lexer.Token) int {
	type pending struct {
		name    string
		closing bool
	}
	var open []pending
	var elements []string
	bad := 0

	for i, t := range toks {
		switch t.Kind {
		case lexer.TagOpen, lexer.TagClose:
			name := ""
			if i+1 < len(toks) && toks[i+1].Kind == lexer.Ident {
				name = toks[i+1].Text
			}
			open = append(open, pending{name: name, closing: t.Kind == lexer.TagClose})
		case lexer.TagSelfEnd:
			if len(open) == 0 {
				bad++
				continue
			}
			open = open[:len(open)-1]
		case lexer.TagEnd:
			if len(open) == 0 {
				bad++
				continue
			}
			p := open[len(open)-1]
			open = open[:len(open)-1]
			if !p.closing {
				elements = append(elements, p.name)
				continue
			}
			bad += popTo(&elements, func(name string) bool { return name == p.name })
		}
	}
	return bad + len(elements) + len(open)
}

// popTo pops the innermost entry matching fn and everything above it. The
// popped non-matching entries count as unclosed; if nothing matches the
// closer itself is stray.
func popTo(stack *[]string, fn func(string) bool) int {
	s := *stack
	for i := len(s) - 1; i >= 0; i-- {
		if fn(s[i]) {
			skipped := len(s) - 1 - i
			*stack = s[:i]
			return skipped
		}
	}
	return 1
}

type delimiterBalance struct{}

func (delimiterBalance) Name() string   { return "delimiter-balance" }
func (delimiterBalance) Reason() string { return ReasonUnbalancedDelimiters }

func (delimiterBalance) Run(in *Input) string {
	pre := DelimiterImbalance(in.PreLex.Tokens)
	post := DelimiterImbalance(in.PostLex.Tokens)
	if post > pre {
		return fmt.Sprintf("delimiter imbalance rose from %d to %d", pre, post)
	}
	return ""
}

type tagBalance struct{}

func (tagBalance) Name() string   { return "tag-balance" }
func (tagBalance) Reason() string { return ReasonUnbalancedTags }

func (tagBalance) Run(in *Input) string {
	pre := TagImbalance(in.PreLex.Tokens)
	post := TagImbalance(in.PostLex.Tokens)
	if post > pre {
		return fmt.Sprintf("tag imbalance rose from %d to %d", pre, post)
	}
	return ""
}

// Imbalance reports the combined delimiter and tag imbalance of src.
func Imbalance(src string) int {
	toks := lexer.Significant(src)
	return DelimiterImbalance(toks) + TagImbalance(toks)
}
