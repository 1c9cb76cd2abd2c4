package layer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, command string, stdin string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct {
	Dir string
}

func (e *ExecRunner) Run(ctx context.Context, command string, stdin string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.Dir
	cmd.Stdin = strings.NewReader(stdin)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Command is an Executor backed by an external program. The program receives
// the code on stdin and writes a JSON document to stdout:
//
//	{"transformedCode": "...", "changeCount": 1, "improvements": ["..."]}
type Command struct {
	ID      ID
	Runner  CommandRunner
	Command string
	Timeout time.Duration
}

type commandOutput struct {
	TransformedCode *string  `json:"transformedCode"`
	ChangeCount     int      `json:"changeCount"`
	Improvements    []string `json:"improvements"`
}

// maxStderrLen caps how much stderr is kept in an error reason.
const maxStderrLen = 2000

func (c *Command) Execute(ctx context.Context, code string, opts Options) (Output, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	stdout, stderr, exitCode, err := c.Runner.Run(ctx, c.Command, code)
	if ctx.Err() != nil {
		return Output{}, Wrap(TransientFailure, c.ID, ctx.Err())
	}
	if err != nil {
		return Output{}, Wrap(FatalFailure, c.ID, fmt.Errorf("run %q: %w", c.Command, err))
	}
	if exitCode != 0 {
		if len(stderr) > maxStderrLen {
			stderr = "…(truncated)\n" + stderr[len(stderr)-maxStderrLen:]
		}
		return Output{}, Errorf(StructuralFailure, c.ID, "command exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	var out commandOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		return Output{}, Wrap(StructuralFailure, c.ID, fmt.Errorf("parse command output: %w", err))
	}
	if out.TransformedCode == nil {
		return Output{}, Errorf(StructuralFailure, c.ID, "command output has no transformedCode")
	}
	if out.ChangeCount < 0 {
		out.ChangeCount = 0
	}
	return Output{Code: *out.TransformedCode, ChangeCount: out.ChangeCount, Improvements: out.Improvements}, nil
}
