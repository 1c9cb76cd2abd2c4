package layer

import (
	"context"
	"time"
)

// Options are the per-request settings passed to every stage.
type Options struct {
	// Verbose retains every stage's input and output code in the report.
	Verbose bool `json:"verbose,omitempty"`
	// DryRun runs the full pipeline but skips caching, learning and run logging.
	DryRun bool `json:"dry_run,omitempty"`
	// Timeout is the per-stage wall-clock budget. Zero disables it.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Output is what a stage produces.
type Output struct {
	Code         string   `json:"transformed_code"`
	ChangeCount  int      `json:"change_count"`
	Improvements []string `json:"improvements,omitempty"`
}

// Executor runs one stage. Implementations must treat code as input only and
// may return a *Error to classify a failure.
type Executor interface {
	Execute(ctx context.Context, code string, opts Options) (Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, code string, opts Options) (Output, error)

func (f ExecutorFunc) Execute(ctx context.Context, code string, opts Options) (Output, error) {
	return f(ctx, code, opts)
}

// Result records the outcome of one executed stage.
type Result struct {
	Layer        ID       `json:"layer"`
	Name         string   `json:"name"`
	Success      bool     `json:"success"`
	DurationMs   int64    `json:"duration_ms"`
	ChangeCount  int      `json:"change_count"`
	Improvements []string `json:"improvements,omitempty"`
	Attempts     int      `json:"attempts"`
	Skipped      bool     `json:"skipped,omitempty"`
	InputCode    string   `json:"input_code,omitempty"`
	OutputCode   string   `json:"output_code,omitempty"`
	Error        *Error   `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (r Result) Clone() Result {
	c := r
	if r.Improvements != nil {
		c.Improvements = append([]string(nil), r.Improvements...)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return c
}
