package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rupeex/exchange/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 16*time.Second, Backoff(base, 4))
	assert.Equal(t, 2*time.Second, Backoff(base, 0), "attempts clamp to 1")

	// Large attempt counts stop doubling instead of overflowing.
	assert.Equal(t, Backoff(base, 33), Backoff(base, 1000))
	assert.Positive(t, Backoff(base, 1000))
}

// fakeQueueStore is an in-memory queue with the same claim semantics as the
// real one, minus durability.
type fakeQueueStore struct {
	jobs      []*models.MatchJob
	completed []int
	retried   []int
	failed    []int
	delays    []time.Duration
	enqueued  []int
	unmatched []int
}

func (s *fakeQueueStore) EnqueueMatchJob(ctx context.Context, orderID int) error {
	s.enqueued = append(s.enqueued, orderID)
	s.jobs = append(s.jobs, &models.MatchJob{
		ID:      len(s.jobs) + len(s.completed) + 1,
		OrderID: orderID,
		Status:  "queued",
	})
	return nil
}

func (s *fakeQueueStore) ClaimMatchJob(ctx context.Context, lockDuration time.Duration) (*models.MatchJob, error) {
	for _, j := range s.jobs {
		if j.Status == "queued" {
			j.Status = "running"
			j.Attempts++
			return j, nil
		}
	}
	return nil, nil
}

func (s *fakeQueueStore) CompleteMatchJob(ctx context.Context, jobID int) error {
	s.completed = append(s.completed, jobID)
	s.removeJob(jobID)
	return nil
}

func (s *fakeQueueStore) RetryMatchJob(ctx context.Context, jobID int, delay time.Duration, jobErr error) error {
	s.retried = append(s.retried, jobID)
	s.delays = append(s.delays, delay)
	for _, j := range s.jobs {
		if j.ID == jobID {
			j.Status = "queued"
		}
	}
	return nil
}

func (s *fakeQueueStore) FailMatchJob(ctx context.Context, jobID int, jobErr error) error {
	s.failed = append(s.failed, jobID)
	for _, j := range s.jobs {
		if j.ID == jobID {
			j.Status = "failed"
		}
	}
	return nil
}

func (s *fakeQueueStore) UnmatchedOrderIDs(ctx context.Context, grace time.Duration) ([]int, error) {
	return s.unmatched, nil
}

func (s *fakeQueueStore) removeJob(jobID int) {
	for i, j := range s.jobs {
		if j.ID == jobID {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return
		}
	}
}

type fakeMatcher struct {
	calls []int
	errs  map[int]error // orderID -> error to return
}

func (m *fakeMatcher) MatchOrder(ctx context.Context, orderID int) error {
	m.calls = append(m.calls, orderID)
	if m.errs != nil {
		return m.errs[orderID]
	}
	return nil
}

func TestWorker_SuccessRemovesJob(t *testing.T) {
	store := &fakeQueueStore{}
	require.NoError(t, store.EnqueueMatchJob(context.Background(), 7))
	matcher := &fakeMatcher{}
	w := NewWorker(store, matcher, DefaultConfig(), zap.NewNop())

	processed, err := w.runOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []int{7}, matcher.calls)
	assert.Len(t, store.completed, 1)
	assert.Empty(t, store.jobs)
}

func TestWorker_EmptyQueue(t *testing.T) {
	store := &fakeQueueStore{}
	w := NewWorker(store, &fakeMatcher{}, DefaultConfig(), zap.NewNop())

	processed, err := w.runOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestWorker_FailureRetriesWithBackoff(t *testing.T) {
	store := &fakeQueueStore{}
	require.NoError(t, store.EnqueueMatchJob(context.Background(), 7))
	matcher := &fakeMatcher{errs: map[int]error{7: errors.New("db down")}}
	cfg := DefaultConfig()
	w := NewWorker(store, matcher, cfg, zap.NewNop())

	processed, err := w.runOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	require.Len(t, store.retried, 1)
	assert.Equal(t, Backoff(cfg.BackoffBase, 1), store.delays[0])
	assert.Empty(t, store.failed)
	assert.Empty(t, store.completed)

	// Second failure doubles the delay.
	_, err = w.runOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, store.delays, 2)
	assert.Equal(t, Backoff(cfg.BackoffBase, 2), store.delays[1])
}

func TestWorker_ExhaustedRetriesKeepJob(t *testing.T) {
	store := &fakeQueueStore{}
	require.NoError(t, store.EnqueueMatchJob(context.Background(), 7))
	matcher := &fakeMatcher{errs: map[int]error{7: errors.New("db down")}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	w := NewWorker(store, matcher, cfg, zap.NewNop())

	for i := 0; i < cfg.MaxAttempts; i++ {
		_, err := w.runOnce(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, store.failed, 1, "job kept as failed after exhausting retries")
	assert.Len(t, store.jobs, 1, "failed job is not deleted")
	assert.Equal(t, "failed", store.jobs[0].Status)
}

func TestWorker_SweepReenqueues(t *testing.T) {
	store := &fakeQueueStore{unmatched: []int{3, 9}}
	w := NewWorker(store, &fakeMatcher{}, DefaultConfig(), zap.NewNop())

	w.sweep(context.Background())

	assert.Equal(t, []int{3, 9}, store.enqueued)
}
