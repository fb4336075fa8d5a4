package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rupeex/exchange/internal/models"

	"github.com/jackc/pgx/v5"
)

// EnqueueMatchJob queues a matching pass for the order.
func (db *DB) EnqueueMatchJob(ctx context.Context, orderID int) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO match_jobs (order_id) VALUES ($1)", orderID)
	if err != nil {
		return fmt.Errorf("failed to enqueue match job: %w", err)
	}
	return nil
}

// ClaimMatchJob claims the oldest runnable job and holds it for lockDuration.
// Jobs are runnable when queued and due, or when running past their lock
// (an earlier worker died mid-pass). Returns nil when the queue is empty.
// SKIP LOCKED keeps two workers from ever claiming the same row.
func (db *DB) ClaimMatchJob(ctx context.Context, lockDuration time.Duration) (*models.MatchJob, error) {
	job := &models.MatchJob{}
	err := db.Pool.QueryRow(ctx, `
		UPDATE match_jobs
		SET status = 'running', attempts = attempts + 1, locked_until = now() + make_interval(secs => $1)
		WHERE id = (
			SELECT id FROM match_jobs
			WHERE (status = 'queued' AND run_at <= now())
			   OR (status = 'running' AND locked_until < now())
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, order_id, status, attempts, run_at, created_at`,
		lockDuration.Seconds()).
		Scan(&job.ID, &job.OrderID, &job.Status, &job.Attempts, &job.RunAt, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim match job: %w", err)
	}
	return job, nil
}

// CompleteMatchJob removes a successfully processed job from the queue.
func (db *DB) CompleteMatchJob(ctx context.Context, jobID int) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM match_jobs WHERE id = $1", jobID)
	if err != nil {
		return fmt.Errorf("failed to complete match job: %w", err)
	}
	return nil
}

// RetryMatchJob re-queues a failed job to run after the backoff delay.
func (db *DB) RetryMatchJob(ctx context.Context, jobID int, delay time.Duration, jobErr error) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE match_jobs
		SET status = 'queued', run_at = now() + make_interval(secs => $2), locked_until = NULL, last_error = $3
		WHERE id = $1`,
		jobID, delay.Seconds(), jobErr.Error())
	if err != nil {
		return fmt.Errorf("failed to retry match job: %w", err)
	}
	return nil
}

// FailMatchJob marks a job as permanently failed. The row is kept for
// inspection rather than deleted.
func (db *DB) FailMatchJob(ctx context.Context, jobID int, jobErr error) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE match_jobs
		SET status = 'failed', locked_until = NULL, last_error = $2
		WHERE id = $1`,
		jobID, jobErr.Error())
	if err != nil {
		return fmt.Errorf("failed to fail match job: %w", err)
	}
	return nil
}

// UnmatchedOrderIDs finds pending orders older than grace that no matching
// pass has ever touched and that have no live job. These exist when the
// best-effort enqueue at placement was lost; the sweeper re-queues them.
func (db *DB) UnmatchedOrderIDs(ctx context.Context, grace time.Duration) ([]int, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT o.id FROM orders o
		WHERE o.status = $1 AND o.matched_at IS NULL AND o.created_at < now() - make_interval(secs => $2)
		  AND NOT EXISTS (
			SELECT 1 FROM match_jobs j
			WHERE j.order_id = o.id AND j.status IN ('queued', 'running')
		  )
		ORDER BY o.id`,
		models.OrderStatusPending, grace.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to find unmatched orders: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
