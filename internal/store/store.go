// Package store defines the durable job store contract.
//
// The store is the single shared mutable resource in the system: every
// mutation goes through one of its transactional operations. ClaimNext is
// the concurrency-critical one — it must guarantee that no two callers,
// in the same process or not, ever receive the same job.
package store

import (
	"context"
	"errors"

	"queuectl/internal/job"
)

var (
	// ErrDuplicateID is returned by Add when the job id already exists.
	ErrDuplicateID = errors.New("job id already exists")

	// ErrNotFound is returned when no job with the given id exists.
	ErrNotFound = errors.New("job not found")

	// ErrBusy is returned when the store could not acquire its lock within
	// the bounded timeout. It is transient: callers should simply retry.
	ErrBusy = errors.New("store busy")
)

// Store is durable CRUD plus the atomic claim operation, safe under
// concurrent access from multiple worker processes and client commands.
type Store interface {
	// Add persists a new job. Fails with ErrDuplicateID if the id is taken;
	// the existing record is left untouched.
	Add(ctx context.Context, j job.Job) error

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (job.Job, error)

	// Update replaces the stored record matching the job's id.
	// Last-writer-wins: the claim protocol serializes the processing path,
	// so no optimistic concurrency token is needed.
	Update(ctx context.Context, j job.Job) error

	// List returns jobs ordered by created_at ascending (ties by id).
	// An empty state returns every job.
	List(ctx context.Context, state job.State) ([]job.Job, error)

	// ClaimNext atomically selects the oldest pending or failed job,
	// transitions it to processing on behalf of workerID (incrementing
	// attempts), persists the change and returns the updated record.
	// Returns (nil, nil) when no job is eligible. No other concurrent
	// caller can observe or claim the same job.
	ClaimNext(ctx context.Context, workerID string) (*job.Job, error)

	// StatusSummary returns a count per state, zero-filled over the full
	// fixed state set.
	StatusSummary(ctx context.Context) (map[job.State]int, error)

	// Delete removes the job and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Close releases the underlying database handle.
	Close() error
}
