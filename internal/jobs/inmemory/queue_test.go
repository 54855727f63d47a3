package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/kakeibo/internal/jobs"
)

func waitForStatus(t *testing.T, s *Store, id string, want jobs.JobStatus) *jobs.ImportJob {
	t.Helper()
	var got *jobs.ImportJob
	require.Eventually(t, func() bool {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestQueue_CompletesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(4, 2, store)
	require.NoError(t, q.Start(ctx, func(_ context.Context, job *jobs.ImportJob) error {
		job.Accepted = 3
		job.Skipped = 1
		return nil
	}))
	defer q.Stop(context.Background())

	job := &jobs.ImportJob{Institution: "M銀行", Filename: "m.csv", Data: []byte("x")}
	require.NoError(t, q.PublishImport(ctx, job))
	require.NotEmpty(t, job.JobID)

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 3, got.Accepted)
	assert.Equal(t, 1, got.Skipped)
	assert.NotNil(t, got.CompletedAt)
}

func TestQueue_DoesNotMutatePublishedJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(4, 2, store)
	require.NoError(t, q.Start(ctx, func(_ context.Context, job *jobs.ImportJob) error {
		job.Accepted = 2
		return nil
	}))
	defer q.Stop(context.Background())

	published := make([]*jobs.ImportJob, 0, 4)
	for _, name := range []string{"a.csv", "b.csv", "c.csv", "d.csv"} {
		job := &jobs.ImportJob{Institution: "M銀行", Filename: name}
		require.NoError(t, q.PublishImport(ctx, job))
		published = append(published, job)
	}

	// Reading the caller's copies while workers run must be race-free.
	for _, job := range published {
		assert.Equal(t, jobs.JobStatusPending, job.Status)
		assert.Nil(t, job.StartedAt)
		assert.Zero(t, job.Accepted)
	}

	for _, job := range published {
		got := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
		assert.Equal(t, 2, got.Accepted)
		assert.Equal(t, jobs.JobStatusPending, job.Status)
		assert.Nil(t, job.CompletedAt)
	}
}

func TestQueue_NoRetryByDefault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	store := NewStore()
	q := NewQueue(1, 1, store)
	require.NoError(t, q.Start(ctx, func(context.Context, *jobs.ImportJob) error {
		calls.Add(1)
		return errors.New("schema mismatch")
	}))
	defer q.Stop(context.Background())

	job := &jobs.ImportJob{Filename: "bad.csv"}
	require.NoError(t, q.PublishImport(ctx, job))

	got := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, "schema mismatch", got.Error)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_ClosedRejectsPublish(t *testing.T) {
	q := NewQueue(1, 1, nil)
	require.NoError(t, q.Close())
	assert.Error(t, q.PublishImport(context.Background(), &jobs.ImportJob{}))
	assert.Error(t, q.Start(context.Background(), nil))
}

func TestStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, inst := range []string{"M銀行", "Y銀行", "M銀行"} {
		require.NoError(t, s.SaveJob(ctx, &jobs.ImportJob{
			JobID: string(rune('a' + i)), Institution: inst, Status: jobs.JobStatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := s.ListJobs(ctx, jobs.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].JobID, "newest first")

	m, err := s.ListJobs(ctx, jobs.JobFilter{Institution: "M銀行", Limit: 1})
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, "c", m[0].JobID)

	none, err := s.ListJobs(ctx, jobs.JobFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetJob(ctx, "zz")
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.Error(t, s.SaveJob(ctx, &jobs.ImportJob{}))
}
