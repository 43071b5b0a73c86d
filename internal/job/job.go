// Package job defines the job record and its state machine.
//
// A Job is an immutable value: every transition returns a new Job rather
// than mutating the receiver, so the state machine invariants can be checked
// without hidden mutation. Persistence is the store's concern.
package job

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// States lists every valid state in a fixed order. Status summaries must
// cover all of them, including zero counts.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// ParseState validates a state string, e.g. a CLI filter value.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid state %q", s)
}

// Terminal reports whether a job in this state is done from the queue's
// perspective. A failed job is not terminal: it is eligible for reclaim.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

// Job is one unit of work and its current lifecycle position.
type Job struct {
	ID           string    `json:"id"`
	Command      string    `json:"command"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ErrorMessage string    `json:"error_message,omitempty"`
	WorkerID     string    `json:"worker_id,omitempty"`
}

// New creates a pending job with zero attempts and equal timestamps.
func New(id, command string, maxRetries int, now time.Time) Job {
	now = now.UTC()
	return Job{
		ID:         id,
		Command:    command,
		State:      StatePending,
		Attempts:   0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Eligible reports whether the job can be claimed by a worker.
func (j Job) Eligible() bool {
	return j.State == StatePending || j.State == StateFailed
}

// ShouldRetry reports whether another execution attempt is allowed
// before the job is quarantined in the DLQ.
func (j Job) ShouldRetry() bool {
	return j.Attempts < j.MaxRetries
}

// Claimed transitions pending/failed -> processing on behalf of workerID.
// The store performs this transition inside its claim transaction; this
// function exists so the semantics are testable in isolation.
func (j Job) Claimed(workerID string, now time.Time) Job {
	j.State = StateProcessing
	j.WorkerID = workerID
	j.Attempts++
	j.UpdatedAt = now.UTC()
	return j
}

// Completed transitions processing -> completed after a zero exit code.
func (j Job) Completed(now time.Time) Job {
	j.State = StateCompleted
	j.WorkerID = ""
	j.ErrorMessage = ""
	j.UpdatedAt = now.UTC()
	return j
}

// Failed records an execution failure. The job moves to failed while
// attempts remain, otherwise to dead (the DLQ).
func (j Job) Failed(errorMessage string, now time.Time) Job {
	j.ErrorMessage = errorMessage
	j.WorkerID = ""
	j.UpdatedAt = now.UTC()
	if j.ShouldRetry() {
		j.State = StateFailed
	} else {
		j.State = StateDead
	}
	return j
}

// Released undoes a claim when a worker shuts down before executing:
// processing -> pending with the claim's attempt increment rolled back.
func (j Job) Released(now time.Time) Job {
	j.State = StatePending
	j.WorkerID = ""
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.UpdatedAt = now.UTC()
	return j
}

// Reset returns a dead job to the pending queue with a fresh retry budget.
// Only valid from the dead state; callers enforce that precondition.
func (j Job) Reset(now time.Time) Job {
	j.State = StatePending
	j.Attempts = 0
	j.ErrorMessage = ""
	j.WorkerID = ""
	j.UpdatedAt = now.UTC()
	return j
}
