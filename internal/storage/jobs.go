package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// JobVectorBackfill re-embeds a proposal whose vector could not be computed
// when it was indexed.
const JobVectorBackfill = "vector_backfill"

const defaultMaxAttempts = 3

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, e execer, job Job) error {
	now := FormatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = FormatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// EnqueueJob adds a pending job to the queue.
func (s *Store) EnqueueJob(job Job) error {
	return insertJob(context.Background(), s.db, job)
}

// EnqueueJobTx adds a pending job as part of an enclosing transaction, so the
// job exists if and only if the write that needs it commits.
func (s *Store) EnqueueJobTx(ctx context.Context, tx *sql.Tx, job Job) error {
	return insertJob(ctx, tx, job)
}

// ClaimNextJob marks the oldest runnable job of one of the given types as
// running and returns it. It returns nil, nil when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := FormatTime(time.Now())
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`
	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	var claimed *Job
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		var j Job
		var runAfter, createdAt, updatedAt string
		var lastError sql.NullString
		err := tx.QueryRow(query, args...).Scan(
			&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
			&runAfter, &createdAt, &updatedAt, &lastError,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}

		res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
		if err != nil {
			return fmt.Errorf("updating job status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return err
		}

		j.Status = "running"
		j.LastError = lastError.String
		if j.RunAfter, err = ParseTime(runAfter); err != nil {
			return fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
		}
		if j.CreatedAt, err = ParseTime(createdAt); err != nil {
			return fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
		}
		if j.UpdatedAt, err = ParseTime(now); err != nil {
			return fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
		}
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequeueRunningJobs returns jobs of the given types left running by a
// previous process to the queue. The interruption counts as an attempt, so a
// job that keeps killing its process ends up failed. It must only be called
// before any job of those types is claimed.
func (s *Store) RequeueRunningJobs(ctx context.Context, types []string) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	now := FormatTime(time.Now())
	args := make([]any, 0, len(types)+2)
	args = append(args, now, now)
	for _, t := range types {
		args = append(args, t)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			attempts = attempts + 1,
			last_error = 'interrupted while running',
			run_after = ?,
			updated_at = ?
		WHERE status = 'running' AND type IN (?`+strings.Repeat(",?", len(types)-1)+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff (2^attempts seconds) until max_attempts is reached.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.WithTx(context.Background(), func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		attempts++

		if attempts >= maxAttempts {
			_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, FormatTime(now), id)
			return err
		}

		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, FormatTime(now.Add(backoff)), FormatTime(now), id)
		return err
	})
}

// CountJobs returns the number of jobs of the given type in the given status.
func (s *Store) CountJobs(ctx context.Context, jobType, status string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE type = ? AND status = ?`, jobType, status).Scan(&n)
	return n, err
}
