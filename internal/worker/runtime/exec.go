package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// shellNotFoundExit is the exit code POSIX shells return when the command
// cannot be found or executed.
const shellNotFoundExit = 127

// ExecRuntime runs commands as local subprocesses through a shell.
// This is the default backend.
type ExecRuntime struct {
	// Shell is the interpreter used for commands, default /bin/sh.
	Shell string
}

// NewExecRuntime creates a process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{Shell: "/bin/sh"}
}

// Run implements Runtime using os/exec. The child is bound to ctx, so the
// execution deadline is enforced by the kernel killing the process group.
func (e *ExecRuntime) Run(ctx context.Context, spec Spec) (Result, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	err := cmd.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, ErrTimeout
	}
	// A caller-canceled context is not a timeout and not the command's
	// fault; surface the cancellation itself.
	if errors.Is(ctx.Err(), context.Canceled) {
		res.ExitCode = -1
		return res, ctx.Err()
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == shellNotFoundExit {
			return res, ErrCommandNotFound
		}
		return res, nil
	}

	if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
		res.ExitCode = -1
		return res, ErrCommandNotFound
	}

	res.ExitCode = -1
	return res, fmt.Errorf("run command: %w", err)
}
