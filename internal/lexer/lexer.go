// Package lexer produces a JS/TS/JSX-aware token stream with byte offsets.
//
// It is not a parser. It knows just enough about the language family to keep
// strings, template literals, comments and JSX text out of the way of the
// structural checks and the pattern matcher.
package lexer

import "strings"

// Kind classifies a token.
type Kind int

const (
	Ident Kind = iota
	Number
	String
	Punct
	Text       // a word of JSX text
	TagOpen    // "<" opening a JSX element
	TagClose   // "</" opening a closing JSX tag
	TagEnd     // ">" ending a tag
	TagSelfEnd // "/>" ending a self-closing tag
)

var kindNames = map[Kind]string{
	Ident:      "ident",
	Number:     "number",
	String:     "string",
	Punct:      "punct",
	Text:       "text",
	TagOpen:    "tag_open",
	TagClose:   "tag_close",
	TagEnd:     "tag_end",
	TagSelfEnd: "tag_self_end",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Token is a significant token. Start and End are byte offsets into the source.
type Token struct {
	Kind  Kind
	Text  string
	Start int
	End   int
}

// Result is the output of Tokenize.
type Result struct {
	Tokens               []Token
	Comments             int
	UnterminatedStrings  int
	UnterminatedComments int
}

// Truncations is the number of tokens cut off before their terminator.
func (r Result) Truncations() int {
	return r.UnterminatedStrings + r.UnterminatedComments
}

type frameKind int

const (
	codeFrame frameKind = iota
	tagFrame
	textFrame
)

type frame struct {
	kind    frameKind
	fromJSX bool // code frame opened by "{" inside JSX
	braces  int
	closing bool // tag frame of a closing tag
}

type lexer struct {
	src   string
	pos   int
	stack []frame
	out   Result
	prev  *Token
}

// Tokenize splits src into significant tokens. Comments are counted but not
// returned.
func Tokenize(src string) Result {
	l := &lexer{src: src, stack: []frame{{kind: codeFrame}}}
	for l.pos < len(l.src) {
		switch l.top().kind {
		case tagFrame:
			l.stepTag()
		case textFrame:
			l.stepText()
		default:
			l.stepCode()
		}
	}
	return l.out
}

// Significant is shorthand for Tokenize(src).Tokens.
func Significant(src string) []Token {
	return Tokenize(src).Tokens
}

func (l *lexer) top() *frame {
	return &l.stack[len(l.stack)-1]
}

func (l *lexer) push(f frame) {
	l.stack = append(l.stack, f)
}

func (l *lexer) pop() {
	if len(l.stack) > 1 {
		l.stack = l.stack[:len(l.stack)-1]
	}
}

func (l *lexer) emit(kind Kind, start, end int) {
	l.out.Tokens = append(l.out.Tokens, Token{Kind: kind, Text: l.src[start:end], Start: start, End: end})
	l.prev = &l.out.Tokens[len(l.out.Tokens)-1]
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) stepCode() {
	c := l.src[l.pos]
	switch {
	case isSpace(c):
		l.pos++
	case c == '/' && l.peek(1) == '/':
		end := strings.IndexByte(l.src[l.pos:], '\n')
		if end < 0 {
			l.pos = len(l.src)
		} else {
			l.pos += end
		}
		l.out.Comments++
	case c == '/' && l.peek(1) == '*':
		end := strings.Index(l.src[l.pos+2:], "*/")
		if end < 0 {
			l.out.UnterminatedComments++
			l.pos = len(l.src)
		} else {
			l.pos += end + 4
		}
		l.out.Comments++
	case c == '\'' || c == '"':
		l.scanString(c, true)
	case c == '`':
		start := l.pos
		end, ok := scanTemplate(l.src, l.pos)
		if !ok {
			l.out.UnterminatedStrings++
		}
		l.pos = end
		l.emit(String, start, end)
	case isDigit(c) || (c == '.' && isDigit(l.peek(1))):
		start := l.pos
		for l.pos < len(l.src) && (isIdentByte(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		l.emit(Number, start, l.pos)
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentByte(l.src[l.pos]) {
			l.pos++
		}
		l.emit(Ident, start, l.pos)
	case c == '/' && l.regexAllowed():
		if !l.scanRegex() {
			l.emit(Punct, l.pos, l.pos+1)
			l.pos++
		}
	case c == '<' && l.tagAllowed():
		if l.peek(1) == '/' {
			l.emit(TagClose, l.pos, l.pos+2)
			l.pos += 2
			l.push(frame{kind: tagFrame, closing: true})
			return
		}
		l.emit(TagOpen, l.pos, l.pos+1)
		l.pos++
		l.push(frame{kind: tagFrame})
	case c == '{':
		l.emit(Punct, l.pos, l.pos+1)
		l.pos++
		if f := l.top(); f.fromJSX {
			f.braces++
		}
	case c == '}':
		l.emit(Punct, l.pos, l.pos+1)
		l.pos++
		if f := l.top(); f.fromJSX {
			f.braces--
			if f.braces == 0 {
				l.pop()
			}
		}
	default:
		l.emit(Punct, l.pos, l.pos+1)
		l.pos++
	}
}

func (l *lexer) stepTag() {
	c := l.src[l.pos]
	switch {
	case isSpace(c):
		l.pos++
	case c == '"' || c == '\'':
		l.scanString(c, false)
	case c == '{':
		l.emit(Punct, l.pos, l.pos+1)
		l.pos++
		l.push(frame{kind: codeFrame, fromJSX: true, braces: 1})
	case c == '/' && l.peek(1) == '>':
		l.emit(TagSelfEnd, l.pos, l.pos+2)
		l.pos += 2
		l.pop()
	case c == '>':
		closing := l.top().closing
		l.emit(TagEnd, l.pos, l.pos+1)
		l.pos++
		l.pop()
		if !closing {
			l.push(frame{kind: textFrame})
		} else if l.top().kind == textFrame {
			l.pop()
		}
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && (isIdentByte(l.src[l.pos]) || strings.IndexByte("-:.", l.src[l.pos]) >= 0) {
			l.pos++
		}
		l.emit(Ident, start, l.pos)
	default:
		l.emit(Punct, l.pos, l.pos+1)
		l.pos++
	}
}

func (l *lexer) stepText() {
	c := l.src[l.pos]
	switch {
	case isSpace(c):
		l.pos++
	case c == '<' && l.peek(1) == '/':
		l.emit(TagClose, l.pos, l.pos+2)
		l.pos += 2
		l.push(frame{kind: tagFrame, closing: true})
	case c == '<' && (isLetter(l.peek(1)) || l.peek(1) == '>'):
		l.emit(TagOpen, l.pos, l.pos+1)
		l.pos++
		l.push(frame{kind: tagFrame})
	case c == '{':
		l.emit(Punct, l.pos, l.pos+1)
		l.pos++
		l.push(frame{kind: codeFrame, fromJSX: true, braces: 1})
	default:
		start := l.pos
		for l.pos < len(l.src) {
			b := l.src[l.pos]
			if isSpace(b) || b == '<' || b == '{' {
				break
			}
			l.pos++
		}
		if l.pos == start {
			l.pos++
		}
		l.emit(Text, start, l.pos)
	}
}

// scanString consumes a quoted string. JS strings cannot span lines, so
// stopAtNewline marks a string cut at a line break as unterminated.
func (l *lexer) scanString(quote byte, stopAtNewline bool) {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\\':
			l.pos += 2
			continue
		case c == quote:
			l.pos++
			l.emit(String, start, l.pos)
			return
		case c == '\n' && stopAtNewline:
			l.out.UnterminatedStrings++
			l.emit(String, start, l.pos)
			return
		}
		l.pos++
	}
	if l.pos > len(l.src) {
		l.pos = len(l.src)
	}
	l.out.UnterminatedStrings++
	l.emit(String, start, l.pos)
}

// scanTemplate returns the offset just past the template literal starting at
// start, and whether it was terminated.
func scanTemplate(src string, start int) (int, bool) {
	pos := start + 1
	depth := 0
	for pos < len(src) {
		c := src[pos]
		switch {
		case c == '\\':
			pos += 2
			continue
		case depth == 0 && c == '`':
			return pos + 1, true
		case c == '$' && pos+1 < len(src) && src[pos+1] == '{':
			depth++
			pos += 2
			continue
		case depth > 0 && c == '}':
			depth--
		case depth > 0 && c == '`':
			end, ok := scanTemplate(src, pos)
			if !ok {
				return end, false
			}
			pos = end
			continue
		}
		pos++
	}
	return len(src), false
}

// scanRegex consumes a regular expression literal. It reports false, leaving
// the position untouched, when the literal runs into a line break.
func (l *lexer) scanRegex() bool {
	start := l.pos
	pos := l.pos + 1
	inClass := false
	for pos < len(l.src) {
		c := l.src[pos]
		switch {
		case c == '\n':
			return false
		case c == '\\':
			pos += 2
			continue
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			pos++
			for pos < len(l.src) && isLetter(l.src[pos]) {
				pos++
			}
			l.pos = pos
			l.emit(String, start, pos)
			return true
		}
		pos++
	}
	return false
}

var exprKeywords = map[string]bool{
	"return": true, "typeof": true, "case": true, "do": true, "else": true,
	"in": true, "of": true, "new": true, "delete": true, "void": true,
	"throw": true, "yield": true, "await": true, "default": true,
}

// regexAllowed reports whether a "/" at the current position starts a regex.
func (l *lexer) regexAllowed() bool {
	if l.prev == nil {
		return true
	}
	switch l.prev.Kind {
	case Punct:
		return !strings.Contains(")]}", l.prev.Text)
	case Ident:
		return exprKeywords[l.prev.Text]
	}
	return false
}

// tagAllowed reports whether a "<" at the current position opens a JSX tag
// rather than a comparison or a type argument list.
func (l *lexer) tagAllowed() bool {
	next := l.peek(1)
	if next == '/' {
		next = l.peek(2)
	}
	if !isLetter(next) && next != '>' {
		return false
	}
	if l.prev == nil {
		return true
	}
	switch l.prev.Kind {
	case Punct:
		return strings.Contains("(,=:?{[!&|;>", l.prev.Text)
	case Ident:
		return exprKeywords[l.prev.Text]
	case TagEnd, TagSelfEnd:
		return true
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isIdentStart(c byte) bool {
	return isLetter(c) || c == '_' || c == '$' || c >= 0x80
}

func isIdentByte(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
