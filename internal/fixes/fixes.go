// Package fixes provides small deterministic implementations of stages 1-6
// so the pipeline is usable without external stage programs. Every fix is
// idempotent.
package fixes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/lexer"
)

// fixFunc rewrites code and describes each change.
type fixFunc func(code string) (string, []string)

func executor(fn fixFunc) layer.Executor {
	return layer.ExecutorFunc(func(ctx context.Context, code string, opts layer.Options) (layer.Output, error) {
		if err := ctx.Err(); err != nil {
			return layer.Output{}, err
		}
		out, improvements := fn(code)
		return layer.Output{Code: out, ChangeCount: len(improvements), Improvements: improvements}, nil
	})
}

// Layers returns the built-in executors for stages 1-6.
func Layers() map[layer.ID]layer.Executor {
	return map[layer.ID]layer.Executor{
		layer.Config:     executor(Config),
		layer.Entities:   executor(Entities),
		layer.Components: executor(Components),
		layer.Hydration:  executor(Hydration),
		layer.Framework:  executor(Framework),
		layer.Validation: executor(Validation),
	}
}

var legacyTarget = regexp.MustCompile(`("target"\s*:\s*")(?i:es3|es5)(")`)

// Config normalizes line endings, trims trailing whitespace and raises a
// legacy tsconfig compile target.
func Config(code string) (string, []string) {
	var improvements []string
	out := code
	if strings.Contains(out, "\r") {
		n := strings.Count(out, "\r\n")
		out = strings.ReplaceAll(out, "\r\n", "\n")
		if n > 0 {
			improvements = append(improvements, fmt.Sprintf("converted %d CRLF line ending(s) to LF", n))
		}
	}

	lines := strings.Split(out, "\n")
	trimmed := 0
	for i, l := range lines {
		if t := strings.TrimRight(l, " \t"); t != l {
			lines[i] = t
			trimmed++
		}
	}
	if trimmed > 0 {
		out = strings.Join(lines, "\n")
		improvements = append(improvements, fmt.Sprintf("trimmed trailing whitespace on %d line(s)", trimmed))
	}

	if legacyTarget.MatchString(out) {
		out = legacyTarget.ReplaceAllString(out, "${1}es2020${2}")
		improvements = append(improvements, `raised compile target to "es2020"`)
	}
	return out, improvements
}

// entityReplacements are decoded by Entities. &amp; stays encoded so the fix
// is idempotent.
var entityReplacements = []struct{ from, to string }{
	{"&quot;", `"`},
	{"&#x27;", "'"},
	{"&#39;", "'"},
	{"&apos;", "'"},
}

// Entities decodes HTML entities that were escaped unnecessarily.
func Entities(code string) (string, []string) {
	var improvements []string
	out := code
	for _, r := range entityReplacements {
		if n := strings.Count(out, r.from); n > 0 {
			out = strings.ReplaceAll(out, r.from, r.to)
			improvements = append(improvements, fmt.Sprintf("decoded %d %s entit%s", n, r.from, plural(n, "y", "ies")))
		}
	}
	return out, improvements
}

// storageRead matches an assignment from storage, never a comparison.
var storageRead = regexp.MustCompile(`(?:^|[^=!<>])(=\s*)((?:window\.)?(?:localStorage|sessionStorage)\.)`)

// Hydration guards browser storage reads that would throw during server
// rendering.
func Hydration(code string) (string, []string) {
	lines := strings.Split(code, "\n")
	var improvements []string
	for i, l := range lines {
		if strings.Contains(l, "typeof window") {
			continue
		}
		loc := storageRead.FindStringSubmatchIndex(l)
		if loc == nil {
			continue
		}
		lines[i] = l[:loc[3]] + `typeof window !== "undefined" && ` + l[loc[4]:]
		improvements = append(improvements, fmt.Sprintf("guarded browser storage access on line %d", i+1))
	}
	if len(improvements) == 0 {
		return code, nil
	}
	return strings.Join(lines, "\n"), improvements
}

var clientHooks = map[string]bool{
	"useState":             true,
	"useEffect":            true,
	"useLayoutEffect":      true,
	"useReducer":           true,
	"useRef":               true,
	"useContext":           true,
	"useCallback":          true,
	"useMemo":              true,
	"useTransition":        true,
	"useSyncExternalStore": true,
}

// Framework adds a "use client" directive to modules that call React client
// hooks and have no directive yet.
func Framework(code string) (string, []string) {
	toks := lexer.Significant(code)
	if len(toks) == 0 {
		return code, nil
	}
	if first := toks[0]; first.Kind == lexer.String {
		switch lexer.Normal(first) {
		case `s:"use client"`, `s:"use server"`:
			return code, nil
		}
	}
	hook := ""
	for i, t := range toks {
		if t.Kind == lexer.Ident && clientHooks[t.Text] && i+1 < len(toks) && (toks[i+1].Text == "(" || toks[i+1].Text == "<") {
			hook = t.Text
			break
		}
	}
	if hook == "" {
		return code, nil
	}
	return "\"use client\";\n\n" + code, []string{fmt.Sprintf(`added "use client" directive (uses %s)`, hook)}
}

var debuggerLine = regexp.MustCompile(`^\s*debugger\s*;?\s*$`)

// Validation removes standalone debugger statements.
func Validation(code string) (string, []string) {
	lines := strings.Split(code, "\n")
	kept := lines[:0:0]
	removed := 0
	for _, l := range lines {
		if debuggerLine.MatchString(l) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	if removed == 0 {
		return code, nil
	}
	return strings.Join(kept, "\n"), []string{fmt.Sprintf("removed %d debugger statement(s)", removed)}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
