// Package queue is the client-facing facade over the job store.
//
// It validates and normalizes enqueue/list/status/DLQ operations and holds
// no durable state of its own: everything is translated into store calls.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"queuectl/internal/job"
	"queuectl/internal/store"
)

var (
	// ErrMissingField is returned when a required enqueue field is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidState is returned for a list filter outside the fixed state set.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotInDLQ is returned when retrying a job that is not dead.
	ErrNotInDLQ = errors.New("job is not in the dead letter queue")
)

// Queue validates client operations and forwards them to the store.
type Queue struct {
	store             store.Store
	defaultMaxRetries int
}

// New creates a queue facade. defaultMaxRetries is applied to enqueue
// requests that do not set their own retry ceiling.
func New(s store.Store, defaultMaxRetries int) *Queue {
	return &Queue{store: s, defaultMaxRetries: defaultMaxRetries}
}

// EnqueueRequest is the client payload for a new job.
type EnqueueRequest struct {
	ID         string `json:"id,omitempty"`
	Command    string `json:"command"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// Enqueue validates the request, fills defaults and persists a new pending
// job. The returned job carries the generated id when none was supplied.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (job.Job, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return job.Job{}, fmt.Errorf("%w: command", ErrMissingField)
	}

	id := req.ID
	if id == "" {
		id = generateID()
	}

	maxRetries := q.defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return job.Job{}, fmt.Errorf("max_retries must be >= 0, got %d", *req.MaxRetries)
		}
		maxRetries = *req.MaxRetries
	}

	j := job.New(id, command, maxRetries, time.Now())
	if err := q.store.Add(ctx, j); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// List returns jobs, optionally filtered by a state name.
func (q *Queue) List(ctx context.Context, stateFilter string) ([]job.Job, error) {
	var state job.State
	if stateFilter != "" {
		parsed, err := job.ParseState(stateFilter)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidState, stateFilter)
		}
		state = parsed
	}
	return q.store.List(ctx, state)
}

// ListDLQ returns the jobs quarantined in the dead letter queue.
func (q *Queue) ListDLQ(ctx context.Context) ([]job.Job, error) {
	return q.store.List(ctx, job.StateDead)
}

// Get returns a single job by id.
func (q *Queue) Get(ctx context.Context, id string) (job.Job, error) {
	return q.store.Get(ctx, id)
}

// Status is the queue-wide summary.
type Status struct {
	TotalJobs int               `json:"total_jobs"`
	Jobs      map[job.State]int `json:"jobs"`
	// ActiveWorkers approximates worker load as the number of jobs
	// currently being processed.
	ActiveWorkers int `json:"active_workers"`
}

// Status returns per-state counts, the total, and the active worker count.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	summary, err := q.store.StatusSummary(ctx)
	if err != nil {
		return Status{}, err
	}

	total := 0
	for _, count := range summary {
		total += count
	}

	return Status{
		TotalJobs:     total,
		Jobs:          summary,
		ActiveWorkers: summary[job.StateProcessing],
	}, nil
}

// RetryFromDLQ moves a dead job back to pending with a fresh retry budget.
func (q *Queue) RetryFromDLQ(ctx context.Context, id string) (job.Job, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}

	if j.State != job.StateDead {
		return job.Job{}, fmt.Errorf("%w: job %s is %s", ErrNotInDLQ, id, j.State)
	}

	reset := j.Reset(time.Now())
	if err := q.store.Update(ctx, reset); err != nil {
		return job.Job{}, err
	}
	return reset, nil
}

// Delete removes a job. Returns store.ErrNotFound when the id is unknown.
func (q *Queue) Delete(ctx context.Context, id string) error {
	existed, err := q.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !existed {
		return store.ErrNotFound
	}
	return nil
}

// generateID produces a short random job id. Collisions are negligible,
// and the store surfaces ErrDuplicateID if one ever happens.
func generateID() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "job-" + token[:12]
}
