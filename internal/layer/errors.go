package layer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure.
type ErrorKind int

const (
	// UnknownStage is a bad request: a stage id outside the catalogue.
	UnknownStage ErrorKind = iota + 1
	// ValidationRejected means the validator refused a stage's output.
	ValidationRejected
	// TransientFailure is timeout-like and worth one retry.
	TransientFailure
	// StructuralFailure is a parse failure or any unclassified stage error.
	StructuralFailure
	// FatalFailure aborts the whole pipeline.
	FatalFailure
)

var errorKindNames = map[ErrorKind]string{
	UnknownStage:       "unknown_stage",
	ValidationRejected: "validation_rejected",
	TransientFailure:   "transient_failure",
	StructuralFailure:  "structural_failure",
	FatalFailure:       "fatal_failure",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON reports.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	for kind, name := range errorKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", string(b))
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrUnknownStage       = &Error{Kind: UnknownStage}
	ErrValidationRejected = &Error{Kind: ValidationRejected}
	ErrTransient          = &Error{Kind: TransientFailure}
	ErrStructural         = &Error{Kind: StructuralFailure}
	ErrFatal              = &Error{Kind: FatalFailure}
)

// Error is a classified stage error.
type Error struct {
	Kind   ErrorKind
	Layer  ID
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Layer != 0 {
		msg = fmt.Sprintf("layer %d: %s", e.Layer, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

type errorJSON struct {
	Kind   ErrorKind `json:"kind"`
	Layer  ID        `json:"layer,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Cause  string    `json:"cause,omitempty"`
}

// MarshalJSON keeps the cause's message, which Err alone would lose.
func (e *Error) MarshalJSON() ([]byte, error) {
	v := errorJSON{Kind: e.Kind, Layer: e.Layer, Reason: e.Reason}
	if e.Err != nil {
		v.Cause = e.Err.Error()
	}
	return json.Marshal(v)
}

func (e *Error) UnmarshalJSON(b []byte) error {
	var v errorJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = Error{Kind: v.Kind, Layer: v.Layer, Reason: v.Reason}
	if v.Cause != "" {
		e.Err = errors.New(v.Cause)
	}
	return nil
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Layer == 0 || t.Layer == e.Layer)
}

// Errorf builds a classified error.
func Errorf(kind ErrorKind, id ID, format string, args ...any) *Error {
	return &Error{Kind: kind, Layer: id, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil for a nil err.
func Wrap(kind ErrorKind, id ID, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Layer: id, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
