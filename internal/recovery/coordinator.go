// Package recovery wraps each stage execution, classifies failures and
// decides whether the pipeline continues, retries or aborts.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/lucasnoah/layerfix/internal/checks"
	"github.com/lucasnoah/layerfix/internal/layer"
)

// Action tells the orchestrator what to do after a stage.
type Action int

const (
	// Continue proceeds to the next stage with Outcome.Code.
	Continue Action = iota
	// Abort stops the plan; the report built so far is returned.
	Abort
)

func (a Action) String() string {
	if a == Abort {
		return "abort"
	}
	return "continue"
}

// Outcome is the coordinator's decision for one stage.
type Outcome struct {
	Result layer.Result
	// Code is the code to thread into the next stage: the stage's output when
	// accepted, otherwise the unchanged input.
	Code   string
	Action Action
	Err    *layer.Error
}

// Coordinator runs stages under the retry and classification policy.
type Coordinator struct {
	validator  *checks.Validator
	maxRetries int
	progress   io.Writer
}

// NewCoordinator creates a Coordinator that validates accepted output with v
// and retries transient failures once.
func NewCoordinator(v *checks.Validator) *Coordinator {
	if v == nil {
		v = checks.NewValidator()
	}
	return &Coordinator{validator: v, maxRetries: 1}
}

// SetMaxRetries overrides the number of retries for transient failures.
func (c *Coordinator) SetMaxRetries(n int) {
	if n < 0 {
		n = 0
	}
	c.maxRetries = n
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (c *Coordinator) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// Run executes l on input. It always terminates, and Outcome.Code is never a
// rejected or partial output.
func (c *Coordinator) Run(ctx context.Context, l layer.Layer, input string, opts layer.Options) Outcome {
	start := time.Now()
	res := layer.Result{Layer: l.ID, Name: l.Name}
	if opts.Verbose {
		res.InputCode = input
	}

	var failure *layer.Error
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		out, err := c.attempt(ctx, l, input, opts)
		if err == nil {
			verdict := c.validator.Validate(input, out.Code, l.ID)
			if verdict.Accepted {
				res.Success = true
				res.ChangeCount = out.ChangeCount
				if res.ChangeCount < 0 || out.Code == input {
					res.ChangeCount = 0
				}
				res.Improvements = append([]string(nil), out.Improvements...)
				res.DurationMs = time.Since(start).Milliseconds()
				if opts.Verbose {
					res.OutputCode = out.Code
				}
				c.logf("layer %d (%s): accepted, %d change(s) in %dms", l.ID, l.Name, res.ChangeCount, res.DurationMs)
				return Outcome{Result: res, Code: out.Code, Action: Continue}
			}
			failure = verdict.Err()
		} else {
			failure = Classify(l.ID, err)
		}

		if failure.Kind == layer.TransientFailure && attempt <= c.maxRetries && ctx.Err() == nil {
			c.logf("layer %d (%s): transient failure, retrying with unchanged input: %v", l.ID, l.Name, failure)
			continue
		}
		break
	}

	res.Error = failure
	res.DurationMs = time.Since(start).Milliseconds()
	if opts.Verbose {
		res.OutputCode = input
	}

	action := ActionFor(failure.Kind)
	c.logf("layer %d (%s): %s after %d attempt(s): %v", l.ID, l.Name, action, res.Attempts, failure)
	return Outcome{Result: res, Code: input, Action: action, Err: failure}
}

// attempt runs the stage once, under opts.Timeout when set. A stage that
// overruns is abandoned and its eventual output discarded.
func (c *Coordinator) attempt(ctx context.Context, l layer.Layer, input string, opts layer.Options) (layer.Output, error) {
	if l.Exec == nil {
		return layer.Output{}, layer.Errorf(layer.FatalFailure, l.ID, "no implementation registered")
	}
	if opts.Timeout <= 0 {
		return invoke(ctx, l, input, opts)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type reply struct {
		out layer.Output
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		out, err := invoke(ctx, l, input, opts)
		ch <- reply{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return layer.Output{}, layer.Wrap(layer.TransientFailure, l.ID, fmt.Errorf("exceeded %s budget: %w", opts.Timeout, ctx.Err()))
	}
}

// invoke calls the executor, converting a panic into a structural failure.
func invoke(ctx context.Context, l layer.Layer, input string, opts layer.Options) (out layer.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = layer.Errorf(layer.StructuralFailure, l.ID, "panic: %v", r)
		}
	}()
	return l.Exec.Execute(ctx, input, opts)
}

// ActionFor maps a failure kind to the pipeline decision.
func ActionFor(kind layer.ErrorKind) Action {
	switch kind {
	case layer.FatalFailure, layer.UnknownStage:
		return Abort
	}
	return Continue
}

type timeout interface{ Timeout() bool }

type temporary interface{ Temporary() bool }

// resourceErrnos are environment failures no retry will fix.
var resourceErrnos = []syscall.Errno{syscall.ENOMEM, syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE}

// Classify turns any stage error into a *layer.Error. Errors already carrying
// a kind keep it; deadlines and timeouts are transient; resource exhaustion
// is fatal; everything else is structural.
func Classify(id layer.ID, err error) *layer.Error {
	var le *layer.Error
	if errors.As(err, &le) {
		if le.Layer != 0 {
			return le
		}
		cp := *le
		cp.Layer = id
		return &cp
	}
	for _, errno := range resourceErrnos {
		if errors.Is(err, errno) {
			return layer.Wrap(layer.FatalFailure, id, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return layer.Wrap(layer.TransientFailure, id, err)
	}
	var to timeout
	if errors.As(err, &to) && to.Timeout() {
		return layer.Wrap(layer.TransientFailure, id, err)
	}
	var tmp temporary
	if errors.As(err, &tmp) && tmp.Temporary() {
		return layer.Wrap(layer.TransientFailure, id, err)
	}
	return layer.Wrap(layer.StructuralFailure, id, err)
}
