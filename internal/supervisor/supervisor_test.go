package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corelock/jobrunner/internal/events"
	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

type countingListener struct {
	mu     sync.Mutex
	counts map[models.EventType]int
}

func newCountingListener() *countingListener {
	return &countingListener{counts: make(map[models.EventType]int)}
}

func (c *countingListener) listen(ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[ev.Type]++
}

func (c *countingListener) count(t models.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

func noopHandler(_ context.Context, _ *models.Job) error { return nil }

// TestSupervisor_DoubleStart is scenario S9's start half: three calls
// to Start emit scheduler:start exactly once.
func TestSupervisor_DoubleStart(t *testing.T) {
	store := memory.New()
	bus := events.NewBus(nil)
	listener := newCountingListener()
	bus.Subscribe(listener.listen)

	sup := New(store, bus, interfaces.Handler(noopHandler), Config{ID: "sup", WorkerCount: 2, PollInterval: 5 * time.Millisecond, LockTimeout: time.Second}, nil)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Start(ctx))

	require.Equal(t, 1, listener.count(models.EventSchedulerStart))

	sup.Stop(StopOptions{Graceful: true, TimeoutMs: 500})
}

// TestSupervisor_DoubleStop is scenario S9's stop half: two calls to
// Stop emit scheduler:stop exactly once.
func TestSupervisor_DoubleStop(t *testing.T) {
	store := memory.New()
	bus := events.NewBus(nil)
	listener := newCountingListener()
	bus.Subscribe(listener.listen)

	sup := New(store, bus, interfaces.Handler(noopHandler), Config{ID: "sup", WorkerCount: 1, PollInterval: 5 * time.Millisecond, LockTimeout: time.Second}, nil)

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))

	sup.Stop(StopOptions{Graceful: true, TimeoutMs: 500})
	sup.Stop(StopOptions{Graceful: true, TimeoutMs: 500})

	require.Equal(t, 1, listener.count(models.EventSchedulerStop))
}

// TestSupervisor_RecoversStaleJobsOnStart covers the startup half of
// scenario S2: a job left locked by a crashed worker is reclaimed
// before any worker starts polling, so it's immediately eligible.
func TestSupervisor_RecoversStaleJobsOnStart(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()

	job, err := store.Create(ctx, models.NewJobRequest{Name: "orphaned", RunAt: now})
	require.NoError(t, err)

	locked, err := store.FindAndLockNext(ctx, interfaces.FindAndLockOptions{Now: now, WorkerID: "dead-worker", LockTimeout: time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, locked)
	time.Sleep(5 * time.Millisecond)

	bus := events.NewBus(nil)
	var executed sync.WaitGroup
	executed.Add(1)
	var once sync.Once
	handler := func(_ context.Context, j *models.Job) error {
		if j.ID == job.ID {
			once.Do(executed.Done)
		}
		return nil
	}

	sup := New(store, bus, interfaces.Handler(handler), Config{ID: "sup", WorkerCount: 1, PollInterval: 5 * time.Millisecond, LockTimeout: time.Second}, nil)
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(StopOptions{Graceful: true, TimeoutMs: 500})

	done := make(chan struct{})
	go func() {
		executed.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned job was never recovered and re-executed")
	}
}
