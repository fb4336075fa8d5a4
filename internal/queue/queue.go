// Package queue runs the single-flight matching worker over the durable
// match_jobs table. One worker goroutine processes one job at a time, which
// serializes all matching passes across the system.
package queue

import (
	"context"
	"time"

	"github.com/rupeex/exchange/internal/models"

	"go.uber.org/zap"
)

// Matcher runs one matching pass for an order.
type Matcher interface {
	MatchOrder(ctx context.Context, orderID int) error
}

// Store is the durable queue storage plus the sweep query.
type Store interface {
	EnqueueMatchJob(ctx context.Context, orderID int) error
	ClaimMatchJob(ctx context.Context, lockDuration time.Duration) (*models.MatchJob, error)
	CompleteMatchJob(ctx context.Context, jobID int) error
	RetryMatchJob(ctx context.Context, jobID int, delay time.Duration, jobErr error) error
	FailMatchJob(ctx context.Context, jobID int, jobErr error) error
	UnmatchedOrderIDs(ctx context.Context, grace time.Duration) ([]int, error)
}

// Config tunes the worker.
type Config struct {
	PollInterval  time.Duration // idle wait between claim attempts
	LockDuration  time.Duration // must exceed the worst-case matching pass
	MaxAttempts   int           // attempts before a job is kept as failed
	BackoffBase   time.Duration // first retry delay, doubled per attempt
	SweepInterval time.Duration
	SweepGrace    time.Duration // how old a never-matched order must be to re-enqueue
}

// DefaultConfig matches the queue contract: long lock, bounded retries with
// exponential backoff, failed jobs kept.
func DefaultConfig() Config {
	return Config{
		PollInterval:  500 * time.Millisecond,
		LockDuration:  60 * time.Second,
		MaxAttempts:   5,
		BackoffBase:   2 * time.Second,
		SweepInterval: time.Minute,
		SweepGrace:    30 * time.Second,
	}
}

// Backoff returns the delay before retry number attempts (1-based):
// base, 2*base, 4*base, ... The doubling stops after 32 retries so the
// shift cannot overflow time.Duration.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 33 {
		attempts = 33
	}
	return base << (attempts - 1)
}

// Worker consumes match jobs with concurrency 1.
type Worker struct {
	store   Store
	matcher Matcher
	cfg     Config
	log     *zap.Logger
}

// NewWorker creates a worker.
func NewWorker(store Store, matcher Matcher, cfg Config, log *zap.Logger) *Worker {
	return &Worker{store: store, matcher: matcher, cfg: cfg, log: log}
}

// Run processes jobs until the context is cancelled. Jobs are handled
// strictly one at a time, end to end.
func (w *Worker) Run(ctx context.Context) {
	for {
		processed, err := w.runOnce(ctx)
		if err != nil {
			w.log.Error("queue claim failed", zap.Error(err))
		}
		if processed {
			// Drain the queue before going back to sleep.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// runOnce claims and processes at most one job. Returns whether a job was
// claimed.
func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimMatchJob(ctx, w.cfg.LockDuration)
	if err != nil || job == nil {
		return false, err
	}

	if matchErr := w.matcher.MatchOrder(ctx, job.OrderID); matchErr != nil {
		if job.Attempts >= w.cfg.MaxAttempts {
			w.log.Error("match job failed permanently",
				zap.Int("job_id", job.ID),
				zap.Int("order_id", job.OrderID),
				zap.Int("attempts", job.Attempts),
				zap.Error(matchErr))
			if err := w.store.FailMatchJob(ctx, job.ID, matchErr); err != nil {
				return true, err
			}
			return true, nil
		}
		delay := Backoff(w.cfg.BackoffBase, job.Attempts)
		w.log.Warn("match job failed, retrying",
			zap.Int("job_id", job.ID),
			zap.Int("order_id", job.OrderID),
			zap.Int("attempts", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(matchErr))
		if err := w.store.RetryMatchJob(ctx, job.ID, delay, matchErr); err != nil {
			return true, err
		}
		return true, nil
	}

	if err := w.store.CompleteMatchJob(ctx, job.ID); err != nil {
		return true, err
	}
	return true, nil
}

// RunSweeper periodically re-enqueues pending orders that never got a
// matching pass, the backstop for a lost best-effort enqueue at placement.
func (w *Worker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	ids, err := w.store.UnmatchedOrderIDs(ctx, w.cfg.SweepGrace)
	if err != nil {
		w.log.Error("sweep query failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := w.store.EnqueueMatchJob(ctx, id); err != nil {
			w.log.Error("sweep re-enqueue failed", zap.Int("order_id", id), zap.Error(err))
			continue
		}
		w.log.Info("re-enqueued unmatched order", zap.Int("order_id", id))
	}
}
