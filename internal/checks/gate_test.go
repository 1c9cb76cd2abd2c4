package checks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/lexer"
)

func TestValidate_Accepts(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name      string
		pre, post string
	}{
		{"identical", "const a=1", "const a=1"},
		{"simple edit", "const a = 1", "const a = 2"},
		{"adds balanced block", "f()", "if (x) { f() }"},
		{"adds jsx attribute", `<img src="a.png" />`, `<img src="a.png" alt="" />`},
		{"delimiters inside strings ignored", `x = 1`, `x = "((("`},
		{"both empty", "", ""},
		{"keeps pre-existing imbalance", "f((", "g(("},
		{"fixes imbalance", "f((", "f()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := v.Validate(tt.pre, tt.post, layer.Components)
			assert.True(t, verdict.Accepted, "rejected: %s %s", verdict.Reason, verdict.Detail)
			assert.Nil(t, verdict.Err())
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name      string
		pre, post string
		reason    string
	}{
		{"empty output", "const a = 1", "   \n", ReasonEmptyOutput},
		{"dropped brace", "function f() { return 1 }", "function f() { return 1", ReasonUnbalancedDelimiters},
		{"mismatched bracket", "a[0]", "a[0)", ReasonUnbalancedDelimiters},
		{"unclosed element", "return <div>hi</div>", "return <div>hi", ReasonUnbalancedTags},
		{"mismatched closing tag", "return <div>hi</div>", "return <div>hi</span>", ReasonUnbalancedTags},
		{"truncated string", `const s = "abc"`, `const s = "abc`, ReasonCorruptionMarker},
		{"truncated comment", `a /* x */ b`, `a /* x b`, ReasonCorruptionMarker},
		{"parse error text", "const a = 1", "SyntaxError: Unexpected token (1:2)", ReasonCorruptionMarker},
		{"object object", "x = label", "x = '[object Object]'", ReasonCorruptionMarker},
		{"merge conflict", "a\n", "<<<<<<< HEAD\na\n", ReasonCorruptionMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := v.Validate(tt.pre, tt.post, layer.Hydration)
			require.False(t, verdict.Accepted)
			assert.Equal(t, tt.reason, verdict.Reason)
			assert.NotEmpty(t, verdict.Detail)

			err := verdict.Err()
			require.NotNil(t, err)
			assert.Equal(t, layer.ValidationRejected, err.Kind)
			assert.Equal(t, layer.Hydration, err.Layer)
		})
	}
}

func TestValidate_StopsAtFirstFailure(t *testing.T) {
	verdict := NewValidator().Validate("f()", "", layer.Config)
	require.False(t, verdict.Accepted)
	assert.Equal(t, ReasonEmptyOutput, verdict.Reason)
	require.Len(t, verdict.Checks, 1)
	assert.Equal(t, "non-empty", verdict.Checks[0].Check)
}

func TestValidate_RecordsEveryCheckOnAccept(t *testing.T) {
	verdict := NewValidator().Validate("a", "b", layer.Config)
	require.True(t, verdict.Accepted)
	require.Len(t, verdict.Checks, 4)
	for _, c := range verdict.Checks {
		assert.True(t, c.Passed, c.Check)
	}
	out, err := verdict.JSON()
	require.NoError(t, err)
	assert.Contains(t, out, `"accepted": true`)
}

func TestValidatorWith_CustomCheck(t *testing.T) {
	v := NewValidatorWith(forbidWord{"eval"})
	assert.True(t, v.Validate("a", "b", layer.Config).Accepted)
	verdict := v.Validate("a", "eval(a)", layer.Config)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, "forbidden_word", verdict.Reason)
}

type forbidWord struct{ word string }

func (f forbidWord) Name() string   { return "forbid-" + f.word }
func (f forbidWord) Reason() string { return "forbidden_word" }
func (f forbidWord) Run(in *Input) string {
	for _, t := range in.PostLex.Tokens {
		if t.Text == f.word {
			return "found " + f.word
		}
	}
	return ""
}

func TestImbalance(t *testing.T) {
	assert.Equal(t, 0, Imbalance(`function A() { return <ul>{xs.map(x => <li key={x}>{x}</li>)}</ul> }`))
	assert.Equal(t, 0, Imbalance(`const [s] = useState<Item[]>([])`))
	assert.Equal(t, 1, Imbalance(`f(`))
	assert.Equal(t, 1, Imbalance(`f)`))
	assert.Equal(t, 1, Imbalance(`return <div>`))
	assert.Equal(t, 0, Imbalance(`return <><br/></>`))
}

func TestTagImbalance_NestedTagInAttribute(t *testing.T) {
	toks := lexer.Significant(`return <Button icon={<Icon name="x" />}>Go</Button>`)
	assert.Equal(t, 0, TagImbalance(toks))
}
