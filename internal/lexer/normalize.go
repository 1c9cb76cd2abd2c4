package lexer

import "strings"

// Normal returns the canonical form of a token used for signatures and
// matching. Single- and double-quoted strings with the same content share a
// canonical form.
func Normal(t Token) string {
	if t.Kind == String && len(t.Text) >= 2 {
		q := t.Text[0]
		if (q == '\'' || q == '"') && t.Text[len(t.Text)-1] == q {
			return "s:\"" + t.Text[1:len(t.Text)-1] + "\""
		}
	}
	return kindPrefix(t.Kind) + t.Text
}

// Equivalent reports whether two tokens are the same after normalization.
func Equivalent(a, b Token) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Text == b.Text {
		return true
	}
	return Normal(a) == Normal(b)
}

// Join renders the canonical forms of toks separated by a unit separator.
func Join(toks []Token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(Normal(t))
	}
	return b.String()
}

func kindPrefix(k Kind) string {
	switch k {
	case Ident:
		return "i:"
	case Number:
		return "n:"
	case String:
		return "s:"
	case Text:
		return "t:"
	default:
		return "p:"
	}
}
