// Package postgres implements the job store on PostgreSQL.
//
// It is the backend for deployments where workers run on several machines
// against one database. The claim protocol uses SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent claimers never block each other and never
// receive the same row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"queuectl/internal/job"
	"queuectl/internal/store"
)

// Store is a PostgreSQL-backed job store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and runs pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a new job record.
func (s *Store) Add(ctx context.Context, j job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, created_at, updated_at, error_message, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.Command, j.State, j.Attempts, j.MaxRetries,
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(), nullable(j.ErrorMessage), nullable(j.WorkerID))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return store.ErrDuplicateID
		}
		return mapErr("insert job", err)
	}
	return nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, store.ErrNotFound
	}
	if err != nil {
		return job.Job{}, mapErr("get job", err)
	}
	return j, nil
}

// Update replaces the stored record matching the job's id.
func (s *Store) Update(ctx context.Context, j job.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			command = $1,
			state = $2,
			attempts = $3,
			max_retries = $4,
			updated_at = $5,
			error_message = $6,
			worker_id = $7
		WHERE id = $8
	`, j.Command, j.State, j.Attempts, j.MaxRetries,
		j.UpdatedAt.UTC(), nullable(j.ErrorMessage), nullable(j.WorkerID), j.ID)
	if err != nil {
		return mapErr("update job", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns jobs ordered by creation time, ties broken by id.
func (s *Store) List(ctx context.Context, state job.State) ([]job.Job, error) {
	query := selectColumns + ` FROM jobs ORDER BY created_at ASC, id ASC`
	args := []any{}
	if state != "" {
		query = selectColumns + ` FROM jobs WHERE state = $1 ORDER BY created_at ASC, id ASC`
		args = append(args, state)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically claims the oldest eligible job for workerID using
// SELECT ... FOR UPDATE SKIP LOCKED: a row locked by a concurrent claim
// transaction is skipped rather than waited on, so two workers can claim
// different jobs in parallel but never the same one.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr("begin claim", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectColumns+`
		FROM jobs
		WHERE state IN ($1, $2)
		ORDER BY created_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, job.StatePending, job.StateFailed)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("select eligible job", err)
	}

	claimed := j.Claimed(workerID, time.Now())
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = $1, worker_id = $2, attempts = $3, updated_at = $4
		WHERE id = $5
	`, claimed.State, claimed.WorkerID, claimed.Attempts, claimed.UpdatedAt, claimed.ID)
	if err != nil {
		return nil, mapErr("claim job", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr("commit claim", err)
	}
	return &claimed, nil
}

// StatusSummary counts jobs per state, covering the full state set.
func (s *Store) StatusSummary(ctx context.Context) (map[job.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, mapErr("status summary", err)
	}
	defer rows.Close()

	summary := make(map[job.State]int, len(job.States))
	for _, st := range job.States {
		summary[st] = 0
	}
	for rows.Next() {
		var state job.State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summary[state] = count
	}
	return summary, rows.Err()
}

// Delete removes the job and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, mapErr("delete job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const selectColumns = `SELECT id, command, state, attempts, max_retries, created_at, updated_at, error_message, worker_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var j job.Job
	var errorMessage, workerID sql.NullString

	err := row.Scan(&j.ID, &j.Command, &j.State, &j.Attempts, &j.MaxRetries,
		&j.CreatedAt, &j.UpdatedAt, &errorMessage, &workerID)
	if err != nil {
		return job.Job{}, err
	}

	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.ErrorMessage = errorMessage.String
	j.WorkerID = workerID.String
	return j, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapErr folds transient serialization failures and deadlocks into
// store.ErrBusy so callers can treat them as retryable.
func mapErr(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%s: %w", op, store.ErrBusy)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
