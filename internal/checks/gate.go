// Package checks judges a stage's output against its input before the
// orchestrator commits it.
package checks

import (
	"encoding/json"
	"strings"

	"github.com/lucasnoah/layerfix/internal/layer"
	"github.com/lucasnoah/layerfix/internal/lexer"
)

// Reason codes reported on REJECT.
const (
	ReasonEmptyOutput          = "empty_output"
	ReasonUnbalancedDelimiters = "unbalanced_delimiters"
	ReasonUnbalancedTags       = "unbalanced_tags"
	ReasonCorruptionMarker     = "corruption_marker"
)

// Input is what every check sees. Token streams are computed once per
// validation.
type Input struct {
	Layer   layer.ID
	Pre     string
	Post    string
	PreLex  lexer.Result
	PostLex lexer.Result
}

// Check is one deterministic structural check.
type Check interface {
	Name() string
	Reason() string
	// Run returns "" when the check passes, otherwise a detail message.
	Run(in *Input) string
}

// CheckResult holds the result of a single check within a validation.
type CheckResult struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the structured output of a validation.
type Verdict struct {
	Layer    layer.ID      `json:"layer"`
	Accepted bool          `json:"accepted"`
	Reason   string        `json:"reason,omitempty"`
	Check    string        `json:"check,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Checks   []CheckResult `json:"checks"`
}

// JSON returns the verdict as indented JSON.
func (v *Verdict) JSON() (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Err converts a REJECT into a ValidationRejected error. It returns nil for
// an accepted verdict.
func (v *Verdict) Err() *layer.Error {
	if v.Accepted {
		return nil
	}
	e := layer.Errorf(layer.ValidationRejected, v.Layer, "%s", v.Reason)
	if v.Detail != "" {
		e.Reason += ": " + v.Detail
	}
	return e
}

// Validator runs checks in order and stops at the first failure.
type Validator struct {
	checks []Check
}

// NewValidator returns a Validator with the default checks, in order:
// empty output, delimiter balance, tag balance, corruption markers.
func NewValidator() *Validator {
	return &Validator{checks: []Check{
		emptyOutput{},
		delimiterBalance{},
		tagBalance{},
		corruptionMarkers{},
	}}
}

// NewValidatorWith returns a Validator running exactly the given checks.
func NewValidatorWith(checks ...Check) *Validator {
	return &Validator{checks: checks}
}

// Validate judges post (a stage's output) against pre (its input).
func (v *Validator) Validate(pre, post string, id layer.ID) *Verdict {
	verdict := &Verdict{Layer: id, Accepted: true}
	if pre == post {
		return verdict
	}

	in := &Input{
		Layer:   id,
		Pre:     pre,
		Post:    post,
		PreLex:  lexer.Tokenize(pre),
		PostLex: lexer.Tokenize(post),
	}

	for _, chk := range v.checks {
		detail := chk.Run(in)
		verdict.Checks = append(verdict.Checks, CheckResult{Check: chk.Name(), Passed: detail == "", Detail: detail})
		if detail != "" {
			verdict.Accepted = false
			verdict.Reason = chk.Reason()
			verdict.Check = chk.Name()
			verdict.Detail = detail
			break
		}
	}
	return verdict
}

type emptyOutput struct{}

func (emptyOutput) Name() string   { return "non-empty" }
func (emptyOutput) Reason() string { return ReasonEmptyOutput }

func (emptyOutput) Run(in *Input) string {
	if strings.TrimSpace(in.Pre) != "" && strings.TrimSpace(in.Post) == "" {
		return "stage returned empty output for non-empty input"
	}
	return ""
}
