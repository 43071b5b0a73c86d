// Package worker contains the worker loop that turns claimed jobs into
// executed commands and feeds the outcomes back into the state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"queuectl/internal/job"
	"queuectl/internal/observability"
	"queuectl/internal/store"
	"queuectl/internal/worker/runtime"
)

// maxBackoffDelay bounds the exponential backoff so a pathological
// attempts/base combination cannot overflow or park a job for days.
const maxBackoffDelay = 6 * time.Hour

// maxErrorMessageLen bounds the stderr tail recorded on failure.
const maxErrorMessageLen = 500

// Config holds the worker loop settings.
type Config struct {
	// ID identifies this worker in claims and logs. Generated when empty.
	ID string

	// PollInterval is how long to wait between claim attempts when the
	// queue is empty (default 1s).
	PollInterval time.Duration

	// BackoffBase is the base of the exponential retry delay (default 2).
	BackoffBase int

	// ExecTimeout is the upper bound on a single command execution
	// (default 5 minutes).
	ExecTimeout time.Duration
}

// Worker is one claim-execute-update loop. Run one per process (or several
// per process with distinct IDs); instances coordinate only through the
// shared store.
type Worker struct {
	store   store.Store
	runtime runtime.Runtime
	cfg     Config
	log     *slog.Logger
	metrics *observability.WorkerMetrics
	limiter *rate.Limiter
	done    chan struct{}

	// backoffUnit is one backoff "second"; tests shrink it.
	backoffUnit time.Duration
}

// New creates a worker loop. metrics may be nil.
func New(st store.Store, rt runtime.Runtime, cfg Config, log *slog.Logger, metrics *observability.WorkerMetrics) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffBase < 1 {
		cfg.BackoffBase = 2
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 5 * time.Minute
	}

	return &Worker{
		store:   st,
		runtime: rt,
		cfg:     cfg,
		log:     log.With("worker_id", cfg.ID),
		metrics: metrics,
		// Paces claim attempts when the queue is empty or the store is
		// contended; Wait is context-aware, so the poll sleep is
		// interruptible by shutdown.
		limiter:     rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		done:        make(chan struct{}),
		backoffUnit: time.Second,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Done returns a channel closed when the loop has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run executes the claim loop until ctx is cancelled. An in-flight command
// is allowed to finish; a job caught waiting out its backoff delay is
// released back to pending.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	w.log.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"backoff_base", w.cfg.BackoffBase)

	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("worker stopped")
			return err
		}

		claimed, err := w.store.ClaimNext(ctx, w.cfg.ID)
		if err != nil {
			if errors.Is(err, store.ErrBusy) {
				w.log.Debug("store busy, repolling")
			} else if ctx.Err() == nil {
				w.log.Error("claim failed", "error", err)
			}
			w.limiter.Wait(ctx)
			continue
		}

		if claimed == nil {
			// Queue empty. Wait returns early on shutdown.
			w.limiter.Wait(ctx)
			continue
		}

		j := *claimed
		w.metrics.RecordClaim(ctx)
		w.log.Info("claimed job",
			"job_id", j.ID,
			"attempt", j.Attempts,
			"max_retries", j.MaxRetries)

		// A second or later attempt waits out the exponential backoff
		// before executing. Shutdown during the wait releases the claim.
		if j.Attempts > 1 {
			delay := w.backoffDelay(j.Attempts - 1)
			w.log.Info("waiting before retry", "job_id", j.ID, "delay", delay)
			if !w.sleep(ctx, delay) {
				w.release(j)
				w.log.Info("worker stopped")
				return ctx.Err()
			}
		}

		updated := w.execute(ctx, j)
		w.persist(updated)
		w.report(ctx, updated)
	}
}

// execute runs the job's command and maps the outcome onto the state
// machine. Any panic while executing converts to a failed/dead transition
// instead of taking down the loop.
func (w *Worker) execute(ctx context.Context, j job.Job) (updated job.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic while executing job", "job_id", j.ID, "panic", r)
			updated = j.Failed(fmt.Sprintf("unexpected error: %v", r), time.Now())
		}
	}()

	tracer := otel.Tracer("queuectl-worker")
	_, span := tracer.Start(ctx, "execute_job",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.Int("job.attempt", j.Attempts),
			attribute.String("worker.id", w.cfg.ID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// The execution deadline is independent of the poll context: a SIGTERM
	// must not kill the child command, only stop further claims.
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), w.cfg.ExecTimeout)
	defer cancel()

	res, err := w.runtime.Run(execCtx, runtime.Spec{
		Command: j.Command,
		Env: map[string]string{
			"QUEUECTL_JOB_ID":    j.ID,
			"QUEUECTL_WORKER_ID": w.cfg.ID,
		},
	})
	span.SetAttributes(attribute.Int("job.exit_code", res.ExitCode))

	now := time.Now()
	switch {
	case err == nil && res.ExitCode == 0:
		return j.Completed(now)
	case err == nil:
		msg := fmt.Sprintf("exit code %d", res.ExitCode)
		if tail := strings.TrimSpace(res.Stderr); tail != "" {
			msg += ": " + truncate(tail, maxErrorMessageLen)
		}
		return j.Failed(msg, now)
	case errors.Is(err, runtime.ErrTimeout):
		span.RecordError(err)
		return j.Failed(fmt.Sprintf("command timed out after %s", w.cfg.ExecTimeout), now)
	case errors.Is(err, runtime.ErrCommandNotFound):
		span.RecordError(err)
		return j.Failed("command not found or not executable", now)
	default:
		span.RecordError(err)
		return j.Failed(fmt.Sprintf("unexpected error: %v", err), now)
	}
}

// persist writes the post-execution record back, retrying through
// transient store contention. An outcome must not be lost to a busy lock.
func (w *Worker) persist(j job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		err := w.store.Update(ctx, j)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrBusy) || ctx.Err() != nil {
			w.log.Error("failed to persist job", "job_id", j.ID, "error", err)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// release undoes a claim on shutdown: the job returns to pending and the
// claim's attempt increment is rolled back. Only the owning worker ever
// writes a processing record, so this cannot race a concurrent claim.
func (w *Worker) release(j job.Job) {
	released := j.Released(time.Now())
	w.persist(released)
	w.log.Info("released job", "job_id", j.ID, "attempts", released.Attempts)
}

// report logs the terminal-or-failed outcome and records metrics.
func (w *Worker) report(ctx context.Context, j job.Job) {
	w.metrics.RecordOutcome(ctx, j.State)
	switch j.State {
	case job.StateCompleted:
		w.log.Info("job completed", "job_id", j.ID)
	case job.StateFailed:
		w.log.Warn("job failed, will retry",
			"job_id", j.ID,
			"attempt", j.Attempts,
			"max_retries", j.MaxRetries,
			"error", j.ErrorMessage,
			"next_delay", w.backoffDelay(j.Attempts))
	case job.StateDead:
		w.log.Error("job moved to dead letter queue",
			"job_id", j.ID,
			"attempts", j.Attempts,
			"error", j.ErrorMessage)
	}
}

// backoffDelay computes base^attempt seconds, clamped to maxBackoffDelay.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	delay := w.backoffUnit
	for i := 0; i < attempt; i++ {
		delay *= time.Duration(w.cfg.BackoffBase)
		if delay >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	return delay
}

// sleep waits for d or until ctx is cancelled; reports whether the full
// duration elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
