package fixes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/layerfix/internal/checks"
	"github.com/lucasnoah/layerfix/internal/layer"
)

func TestFixes(t *testing.T) {
	tests := []struct {
		name    string
		fn      fixFunc
		in, out string
		changes int
	}{
		{"config no-op", Config, "const a=1", "const a=1", 0},
		{"config crlf and trailing space", Config, "a  \r\nb\t\r\n", "a\nb\n", 2},
		{"config legacy target", Config, `{"compilerOptions": {"target": "ES5"}}`, `{"compilerOptions": {"target": "es2020"}}`, 1},
		{"config modern target", Config, `{"target": "es2017"}`, `{"target": "es2017"}`, 0},
		{"entities none", Entities, "const a=1", "const a=1", 0},
		{"entities decoded", Entities, `<p>Don&#39;t say &quot;no&quot;</p>`, `<p>Don't say "no"</p>`, 2},
		{"entities keep amp", Entities, `<p>A &amp; B</p>`, `<p>A &amp; B</p>`, 0},
		{"img alt", Components, `return <img src="a.png" />`, `return <img src="a.png" alt="" />`, 1},
		{"img with alt", Components, `return <img alt="logo" src="a.png" />`, `return <img alt="logo" src="a.png" />`, 0},
		{"img spread", Components, `return <img {...props} />`, `return <img {...props} />`, 0},
		{"button type", Components, `return <button onClick={() => go()}>Go</button>`, `return <button onClick={() => go()} type="button">Go</button>`, 1},
		{"tag in string ignored", Components, `const s = "<img src=x>"`, `const s = "<img src=x>"`, 0},
		{"nested img in attribute", Components, `return <Card icon={<img src="i" />} />`, `return <Card icon={<img src="i" alt="" />} />`, 1},
		{"storage guard", Hydration, "const t = localStorage.getItem('t')", `const t = typeof window !== "undefined" && localStorage.getItem('t')`, 1},
		{"storage strict comparison kept", Hydration, "if (a === localStorage.x) {}", "if (a === localStorage.x) {}", 0},
		{"storage loose comparison kept", Hydration, "if (a != sessionStorage.x) {}", "if (a != sessionStorage.x) {}", 0},
		{"storage assignment guarded", Hydration, "t = window.localStorage.t", `t = typeof window !== "undefined" && window.localStorage.t`, 1},
		{"storage already guarded", Hydration, `const t = typeof window !== "undefined" ? localStorage.getItem('t') : null`, `const t = typeof window !== "undefined" ? localStorage.getItem('t') : null`, 0},
		{"use client added", Framework, "import { useState } from 'react'\nconst [a] = useState(0)", "\"use client\";\n\nimport { useState } from 'react'\nconst [a] = useState(0)", 1},
		{"use client present", Framework, "'use client'\nconst [a] = useState(0)", "'use client'\nconst [a] = useState(0)", 0},
		{"no hooks", Framework, "export default function A() {}", "export default function A() {}", 0},
		{"debugger removed", Validation, "a()\n  debugger;\nb()", "a()\nb()", 1},
		{"debugger in string kept", Validation, "log('debugger;')", "log('debugger;')", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, improvements := tt.fn(tt.in)
			assert.Equal(t, tt.out, out)
			assert.Len(t, improvements, tt.changes)
		})
	}
}

const messyComponent = "import { useState } from 'react'\r\n" +
	"export function Profile() {  \r\n" +
	"  const [open, setOpen] = useState(false)\r\n" +
	"  const theme = localStorage.getItem('theme')\r\n" +
	"  debugger;\r\n" +
	"  return <div>\r\n" +
	"    <img src=\"me.png\" />\r\n" +
	"    <button onClick={() => setOpen(!open)}>Don&#39;t</button>\r\n" +
	"  </div>\r\n" +
	"}\r\n"

func runAll(t *testing.T, code string) (string, []int) {
	t.Helper()
	var counts []int
	for _, id := range layer.DefaultIDs {
		out, err := Layers()[id].Execute(context.Background(), code, layer.Options{})
		require.NoError(t, err)
		verdict := checks.NewValidator().Validate(code, out.Code, id)
		require.True(t, verdict.Accepted, "layer %d rejected: %s %s", id, verdict.Reason, verdict.Detail)
		counts = append(counts, out.ChangeCount)
		code = out.Code
	}
	return code, counts
}

func TestLayers_Idempotent(t *testing.T) {
	first, counts := runAll(t, messyComponent)
	for i, n := range counts {
		assert.Positive(t, n, "layer %d made no change", i+1)
	}
	assert.Contains(t, first, `alt=""`)
	assert.Contains(t, first, `type="button"`)
	assert.Contains(t, first, `typeof window !== "undefined" && localStorage`)
	assert.NotContains(t, first, "debugger")

	second, counts := runAll(t, first)
	assert.Equal(t, first, second)
	for i, n := range counts {
		assert.Zero(t, n, "layer %d changed clean code", i+1)
	}
}

func TestLayers_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Layers()[layer.Config].Execute(ctx, "a", layer.Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
