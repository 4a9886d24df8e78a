package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corelock/jobrunner/internal/events"
	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

// collector gathers emitted events for assertion, guarded by a mutex
// since Worker.Run fans events out from its own goroutine.
type collector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collector) listen(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) countType(t models.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func runUntil(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestWorker_RetryExhaustion is scenario S1: a handler that always
// fails with retry={maxAttempts:3}, exhausted after 3 invocations,
// ending status=failed, attempts=3, two job:retry and one job:fail.
func TestWorker_RetryExhaustion(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()

	job, err := store.Create(ctx, models.NewJobRequest{
		Name:  "always-fails",
		RunAt: now,
		Retry: &models.RetrySpec{MaxAttempts: 3, Delay: time.Millisecond},
	})
	require.NoError(t, err)

	var invocations atomic.Int32
	handler := func(_ context.Context, _ *models.Job) error {
		invocations.Add(1)
		return errors.New("boom")
	}

	bus := events.NewBus(nil)
	coll := &collector{}
	bus.Subscribe(coll.listen)

	w := New(store, bus, handler, Config{WorkerID: "w1", PollInterval: 5 * time.Millisecond, LockTimeout: time.Minute}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	runUntil(t, func() bool {
		stored, _ := store.FindByID(ctx, job.ID)
		return stored != nil && stored.Status == models.StatusFailed
	}, 2*time.Second)

	stored, err := store.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, stored.Status)
	require.Equal(t, 3, stored.Attempts)
	require.Equal(t, int32(3), invocations.Load())
	require.Equal(t, 2, coll.countType(models.EventJobRetry))
	require.Equal(t, 1, coll.countType(models.EventJobFail))
}

// TestWorker_SuccessNoRepeat_MarksCompleted covers the non-repeating
// success path (§4.4e) through to job:success and job:complete.
func TestWorker_SuccessNoRepeat_MarksCompleted(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()

	job, err := store.Create(ctx, models.NewJobRequest{Name: "one-shot", RunAt: now})
	require.NoError(t, err)

	handler := func(_ context.Context, _ *models.Job) error { return nil }

	bus := events.NewBus(nil)
	coll := &collector{}
	bus.Subscribe(coll.listen)

	w := New(store, bus, handler, Config{WorkerID: "w1", PollInterval: 5 * time.Millisecond, LockTimeout: time.Minute}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	runUntil(t, func() bool {
		stored, _ := store.FindByID(ctx, job.ID)
		return stored != nil && stored.Status == models.StatusCompleted
	}, time.Second)

	require.Equal(t, 1, coll.countType(models.EventJobSuccess))
	require.Equal(t, 1, coll.countType(models.EventJobComplete))
}

// TestWorker_IntervalRepeat_ReschedulesPending covers the interval
// success branch: the job returns to pending with an advanced
// NextRunAt rather than completing.
func TestWorker_IntervalRepeat_ReschedulesPending(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()

	job, err := store.Create(ctx, models.NewJobRequest{
		Name:   "interval-job",
		RunAt:  now,
		Repeat: &models.RepeatSpec{Every: 10 * time.Second},
	})
	require.NoError(t, err)

	var invocations atomic.Int32
	handler := func(_ context.Context, _ *models.Job) error {
		invocations.Add(1)
		return nil
	}

	bus := events.NewBus(nil)
	w := New(store, bus, handler, Config{WorkerID: "w1", PollInterval: 5 * time.Millisecond, LockTimeout: time.Minute}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)

	runUntil(t, func() bool { return invocations.Load() >= 1 }, time.Second)
	cancel()

	stored, err := store.FindByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, stored.Status)
	require.True(t, stored.NextRunAt.After(now))
}

// TestWorker_CancelledJob_AbortsSilently covers §4.4b's cancelled branch.
func TestWorker_CancelledJob_AbortsWithoutInvokingHandler(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()

	job, err := store.Create(ctx, models.NewJobRequest{Name: "to-cancel", RunAt: now})
	require.NoError(t, err)

	var invoked bool
	handler := func(_ context.Context, _ *models.Job) error {
		invoked = true
		return nil
	}

	bus := events.NewBus(nil)
	coll := &collector{}
	bus.Subscribe(coll.listen)

	w := New(store, bus, handler, Config{WorkerID: "w1", PollInterval: 5 * time.Millisecond, LockTimeout: time.Minute}, nil)

	// Simulate the worker already holding the lock, then the job being
	// cancelled before the worker's preflight re-read runs — exercising
	// §4.4b's cancelled branch directly rather than racing Run's own
	// acquisition loop against a concurrent cancel.
	locked, err := store.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "w1", LockTimeout: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, locked)
	require.NoError(t, store.Cancel(ctx, job.ID))

	w.execute(ctx, locked)

	require.False(t, invoked, "a cancelled job must never reach the handler")
	require.Equal(t, 1, coll.countType(models.EventJobComplete))
}
