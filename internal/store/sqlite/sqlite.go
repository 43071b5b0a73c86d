// Package sqlite implements the job store on a single SQLite database file.
//
// This is the default backend: one durable file shared by every queuectl
// process on the machine. WAL mode plus an immediate-lock claim transaction
// gives the mutual exclusion the claim protocol requires; lock contention
// surfaces as store.ErrBusy after the busy timeout rather than corrupting
// an update.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"queuectl/internal/job"
	"queuectl/internal/store"
)

// busyTimeout bounds how long any statement waits for the write lock
// before failing with store.ErrBusy.
const busyTimeout = 5 * time.Second

// Store is a SQLite-backed job store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) the database at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single connection per process: all in-process serialization happens
	// here, cross-process serialization is the database lock.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a new job record.
func (s *Store) Add(ctx context.Context, j job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, created_at, updated_at, error_message, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Command, j.State, j.Attempts, j.MaxRetries,
		j.CreatedAt.UTC().UnixNano(), j.UpdatedAt.UTC().UnixNano(),
		nullable(j.ErrorMessage), nullable(j.WorkerID))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return store.ErrDuplicateID
		}
		return mapErr("insert job", err)
	}
	return nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE id = ?`, id)
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
			command = ?,
			state = ?,
			attempts = ?,
			max_retries = ?,
			updated_at = ?,
			error_message = ?,
			worker_id = ?
		WHERE id = ?
	`, j.Command, j.State, j.Attempts, j.MaxRetries,
		j.UpdatedAt.UTC().UnixNano(), nullable(j.ErrorMessage), nullable(j.WorkerID), j.ID)
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
		query = selectColumns + ` FROM jobs WHERE state = ? ORDER BY created_at ASC, id ASC`
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

// ClaimNext atomically claims the oldest eligible job for workerID.
//
// The transaction takes the write lock at BEGIN (txlock=immediate), so the
// read-then-update sequence is serialized against every other writer: two
// concurrent claimers can never select the same row.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr("begin claim", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectColumns+`
		FROM jobs
		WHERE state IN (?, ?)
		ORDER BY created_at ASC, id ASC
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
		UPDATE jobs SET state = ?, worker_id = ?, attempts = ?, updated_at = ?
		WHERE id = ?
	`, claimed.State, claimed.WorkerID, claimed.Attempts, claimed.UpdatedAt.UnixNano(), claimed.ID)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
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
	var createdAt, updatedAt int64
	var errorMessage, workerID sql.NullString

	err := row.Scan(&j.ID, &j.Command, &j.State, &j.Attempts, &j.MaxRetries,
		&createdAt, &updatedAt, &errorMessage, &workerID)
	if err != nil {
		return job.Job{}, err
	}

	j.CreatedAt = time.Unix(0, createdAt).UTC()
	j.UpdatedAt = time.Unix(0, updatedAt).UTC()
	j.ErrorMessage = errorMessage.String
	j.WorkerID = workerID.String
	return j, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// mapErr folds SQLITE_BUSY/SQLITE_LOCKED into store.ErrBusy so callers can
// treat lock contention as retryable.
func mapErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w", op, store.ErrBusy)
	}
	return fmt.Errorf("%s: %w", op, err)
}
