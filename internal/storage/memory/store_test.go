package memory

import (
	"context"
	"testing"
	"time"

	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/storeerr"
	"github.com/stretchr/testify/require"
)

func TestCreate_Defaults(t *testing.T) {
	s := New()
	job, err := s.Create(context.Background(), models.NewJobRequest{Name: "send-email"})
	require.NoError(t, err)
	require.Equal(t, models.DefaultPriority, job.Priority)
	require.Equal(t, models.StatusPending, job.Status)
	require.Equal(t, 0, job.Attempts)
	require.Equal(t, int64(0), job.LockVersion)
}

func TestCreate_DedupeReturnsExistingRecord(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Create(ctx, models.NewJobRequest{Name: "sync", DedupeKey: "k"})
	require.NoError(t, err)

	second, err := s.Create(ctx, models.NewJobRequest{Name: "sync", DedupeKey: "k"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "S8: two creates with the same dedupeKey return the same id")

	all, err := s.FindAll(ctx, interfaces.Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestFindAndLockNext_PriorityOrdering(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", Priority: 10, RunAt: now})
	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", Priority: 1, RunAt: now})
	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", Priority: 5, RunAt: now})

	var priorities []int
	for i := 0; i < 3; i++ {
		job, err := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w", LockTimeout: time.Second})
		require.NoError(t, err)
		require.NotNil(t, job)
		priorities = append(priorities, job.Priority)
	}
	require.Equal(t, []int{1, 5, 10}, priorities, "S7: priority ordering 1,5,10")
}

func TestFindAndLockNext_Atomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})

	a, err := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w1", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, a)

	b, err := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w2", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.Nil(t, b, "invariant 5: at most one FindAndLockNext call returns the record")
}

func TestFindAndLockNext_ConcurrencyCap(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, _ = s.Create(ctx, models.NewJobRequest{Name: "rate-limited", Concurrency: 2, RunAt: now})
	}

	first, err := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w1", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w2", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, second)

	third, err := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w3", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.Nil(t, third, "S6: concurrency cap of 2 rejects the third acquisition")

	running, err := s.CountRunning(ctx, "rate-limited")
	require.NoError(t, err)
	require.LessOrEqual(t, running, 2, "invariant 2: running count never exceeds the cap")
}

func TestRenewLock_FailsForWrongOwner(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})
	job, _ := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w1", LockTimeout: time.Minute})
	require.NotNil(t, job)

	err := s.RenewLock(ctx, job.ID, "w2", time.Minute)
	var lockLost *storeerr.LockLostError
	require.ErrorAs(t, err, &lockLost)
}

func TestMarkCompleted_OwnershipChecked(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})
	job, _ := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w1", LockTimeout: time.Minute})

	err := s.MarkCompleted(ctx, job.ID, "w2")
	var ownershipErr *storeerr.OwnershipError
	require.ErrorAs(t, err, &ownershipErr)

	require.NoError(t, s.MarkCompleted(ctx, job.ID, "w1"))

	stored, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, stored.Status)
	require.Empty(t, stored.LockedBy, "invariant 7: after a rejected markCompleted, lockedBy != the rejected worker; after success, lock is cleared")
}

func TestMarkFailed_OwnershipChecked(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})
	job, _ := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w1", LockTimeout: time.Minute})

	err := s.MarkFailed(ctx, job.ID, "w2", nil)
	var ownershipErr *storeerr.OwnershipError
	require.ErrorAs(t, err, &ownershipErr, "markFailed is ownership-guarded per the conservative resolution of spec's open question")
}

func TestRecoverStaleJobs_IdempotentAndReclaimable(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, _ = s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})
	job, _ := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "worker-1", LockTimeout: time.Millisecond})

	past := now.Add(200 * time.Millisecond)

	n, err := s.RecoverStaleJobs(ctx, interfaces.RecoverOptions{Now: past, LockTimeout: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n2, err := s.RecoverStaleJobs(ctx, interfaces.RecoverOptions{Now: past, LockTimeout: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 0, n2, "invariant 6: recoverStaleJobs run twice yields 0 on the second run")

	acquired, err := s.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: past, WorkerID: "worker-2", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, acquired)
	require.Equal(t, job.ID, acquired.ID)

	err = s.MarkCompleted(ctx, job.ID, "worker-1")
	var ownershipErr *storeerr.OwnershipError
	require.ErrorAs(t, err, &ownershipErr, "S2: the original owner can no longer complete a reclaimed job")
}

func TestReschedule_AttemptsAuthoritative(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	job, _ := s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})

	attempts := 7
	err := s.Reschedule(ctx, job.ID, now.Add(time.Minute), &attempts)
	require.NoError(t, err)

	stored, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 7, stored.Attempts)
	require.Equal(t, models.StatusPending, stored.Status)
}

func TestCancel_AppliesRegardlessOfState(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	job, _ := s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})
	require.NoError(t, s.Cancel(ctx, job.ID))

	stored, err := s.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)
}

func TestUpdate_NextRunAtResetsToPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	job, _ := s.Create(ctx, models.NewJobRequest{Name: "j", RunAt: now})
	require.NoError(t, s.Cancel(ctx, job.ID))

	next := now.Add(time.Hour)
	updated, err := s.Update(ctx, job.ID, interfaces.JobUpdate{NextRunAt: &next})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, updated.Status)
}
