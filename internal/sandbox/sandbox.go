// Package sandbox materializes user-supplied server code into an isolated
// directory and prepares the command that launches it. Build steps
// (package installers, the TypeScript compiler) run through a Sandbox so
// their output is captured and their process group can be killed.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sandbox executes build commands.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["npm", "install"]).
	Command []string

	// WorkingDir overrides the working directory. Empty = use isolated temp dir.
	WorkingDir string

	// Env adds extra environment variables on top of the base environment.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process. Zero means unlimited.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ExecutionResult captures the outcome of a sandboxed command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

var (
	// ErrBuildFailed is wrapped by every *BuildError.
	ErrBuildFailed = errors.New("build failed")

	// ErrUnsupportedLanguage is returned for an unknown language name.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// BuildError reports a build step that exited non-zero.
type BuildError struct {
	Step     string // "npm install", "pip install", "tsc"
	ExitCode int
	Output   string
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("%s failed with code %d", e.Step, e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *BuildError) Unwrap() error { return ErrBuildFailed }

// buildError converts a finished execution into a *BuildError, or nil for
// a zero exit.
func buildError(step string, res *ExecutionResult) error {
	if res.ExitCode == 0 {
		return nil
	}
	out := res.Stderr
	if out == "" {
		out = res.Stdout
	}
	return &BuildError{Step: step, ExitCode: res.ExitCode, Output: tail(out, 2048)}
}

// tail keeps the last n bytes of s; compiler and installer errors are
// reported at the end of their output.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
