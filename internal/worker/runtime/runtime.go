// Package runtime provides the Runtime interface for executing job commands.
package runtime

import (
	"context"
	"errors"
)

var (
	// ErrCommandNotFound marks a command that could not be resolved or is
	// not executable, including a shell-level exit code 127.
	ErrCommandNotFound = errors.New("command not found or not executable")

	// ErrTimeout marks an execution cut off by its deadline.
	ErrTimeout = errors.New("command timed out")
)

// Spec describes one command execution.
type Spec struct {
	// Command is the shell command text, passed to `sh -c` (or the
	// container equivalent). Opaque to the engine.
	Command string

	// Env is added to the execution environment.
	Env map[string]string
}

// Result is the outcome of a finished execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime executes job commands. Implementations must honor the context
// deadline and report it as ErrTimeout.
type Runtime interface {
	// Run executes the command and blocks until it finishes or the context
	// expires. A non-zero exit code is not an error: it is reported in the
	// Result with a nil error. The error return is reserved for the
	// ErrCommandNotFound/ErrTimeout classifications and genuine runtime
	// failures.
	Run(ctx context.Context, spec Spec) (Result, error)
}
