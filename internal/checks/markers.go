package checks

import (
	"fmt"
	"strings"
)

// markerTexts lists text that only shows up in code when something
// upstream broke: parser errors pasted into output, stringified objects,
// merge conflicts, binary garbage.
var markerTexts = []string{
	"SyntaxError:",
	"Unexpected token",
	"Parse error",
	"[object Object]",
	"<<<<<<< ",
	">>>>>>> ",
	"\x00",
	"\uFFFD",
}

type corruptionMarkers struct{}

func (corruptionMarkers) Name() string   { return "corruption-markers" }
func (corruptionMarkers) Reason() string { return ReasonCorruptionMarker }

func (corruptionMarkers) Run(in *Input) string {
	if pre, post := in.PreLex.Truncations(), in.PostLex.Truncations(); post > pre {
		return fmt.Sprintf("truncated tokens rose from %d to %d", pre, post)
	}
	for _, m := range markerTexts {
		pre := strings.Count(in.Pre, m)
		post := strings.Count(in.Post, m)
		if post > pre {
			return fmt.Sprintf("output introduces %q", m)
		}
	}
	return ""
}
