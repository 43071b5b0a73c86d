package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunSuccess(t *testing.T) {
	rt := NewExecRuntime()

	res, err := rt.Run(context.Background(), Spec{Command: "echo hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("expected stdout %q, got %q", "hello", res.Stdout)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	rt := NewExecRuntime()

	res, err := rt.Run(context.Background(), Spec{Command: "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("expected nil error for non-zero exit, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("expected stderr captured, got %q", res.Stderr)
	}
}

func TestRunCommandNotFound(t *testing.T) {
	rt := NewExecRuntime()

	res, err := rt.Run(context.Background(), Spec{Command: "definitely-not-a-real-command-zzz"})
	if !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
	if res.ExitCode != 127 {
		t.Errorf("expected shell exit 127, got %d", res.ExitCode)
	}
}

func TestRunMissingShell(t *testing.T) {
	rt := &ExecRuntime{Shell: "/no/such/shell"}

	_, err := rt.Run(context.Background(), Spec{Command: "echo hi"})
	if !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	rt := NewExecRuntime()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := rt.Run(ctx, Spec{Command: "sleep 30"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestRunCanceled(t *testing.T) {
	rt := NewExecRuntime()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := rt.Run(ctx, Spec{Command: "sleep 30"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("cancellation must not classify as a timeout")
	}
}

func TestRunEnvInjection(t *testing.T) {
	rt := NewExecRuntime()

	res, err := rt.Run(context.Background(), Spec{
		Command: "echo $TEST_JOB_TOKEN",
		Env:     map[string]string{"TEST_JOB_TOKEN": "tok-42"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "tok-42" {
		t.Errorf("expected injected env var in output, got %q", res.Stdout)
	}
}
