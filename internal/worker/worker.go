// Package worker implements the acquire-execute-finalize loop described
// in spec §4.4: a single logical worker identity that polls a JobStore,
// locks at most one eligible job per cycle, drives a concurrent
// heartbeat while the user handler runs, and finalizes the result
// through RepeatPlanner/RetryPolicy. Built the way vire's
// jobmanager.processLoop is built — a for{select{ctx.Done/default}}
// poll loop with time.After idle backoff — generalized to the richer
// heartbeat + ownership-check + cron-pre-scheduling shape §4.4
// requires.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/corelock/jobrunner/internal/common"
	"github.com/corelock/jobrunner/internal/events"
	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/scheduler"
	"github.com/corelock/jobrunner/internal/storeerr"
)

// minHeartbeatInterval is the floor applied to the heartbeat period per
// spec §4.4a: "every max(50ms, lockTimeoutMs/2)".
const minHeartbeatInterval = 50 * time.Millisecond

// Registry dispatches an acquired job to a per-name handler. Its Handle
// method value (registry.Handle) satisfies interfaces.Handler, so it can
// be passed wherever a single Handler is expected; the map type itself
// does not. The worker itself has no notion of job-name
// routing, that concern lives entirely here.
type Registry map[string]interfaces.Handler

// Handle looks up the handler registered for job.Name and invokes it.
func (r Registry) Handle(ctx context.Context, job *models.Job) error {
	h, ok := r[job.Name]
	if !ok {
		return fmt.Errorf("worker: no handler registered for job name %q", job.Name)
	}
	return h(ctx, job)
}

// Config parameterizes a Worker (spec §4.4's "Configuration").
type Config struct {
	WorkerID        string
	PollInterval    time.Duration
	LockTimeout     time.Duration
	DefaultTimezone string
}

// Worker runs one logical acquire-execute-finalize loop. Workers share
// only the store; they hold no in-process state another worker could
// observe.
type Worker struct {
	store   interfaces.JobStore
	bus     *events.Bus
	handler interfaces.Handler
	cfg     Config
	logger  *common.Logger
}

// New constructs a Worker. logger may be nil, in which case a silent
// logger is used.
func New(store interfaces.JobStore, bus *events.Bus, handler interfaces.Handler, cfg Config, logger *common.Logger) *Worker {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	return &Worker{store: store, bus: bus, handler: handler, cfg: cfg, logger: logger}
}

// Run drives the poll loop until ctx is cancelled. Per spec §4.4's
// control loop: check shutdown, attempt acquisition, sleep-and-retry
// on an empty queue, otherwise execute. The idle sleep and the
// findAndLockNext call are both suspension points interruptible by
// ctx (spec §5's cancellation guarantee).
func (w *Worker) Run(ctx context.Context) {
	w.bus.Emit(models.Event{Type: models.EventWorkerStart, WorkerID: w.cfg.WorkerID})
	defer w.bus.Emit(models.Event{Type: models.EventWorkerStop, WorkerID: w.cfg.WorkerID})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.store.FindAndLockNext(ctx, interfaces.FindAndLockOptions{
			Now:         time.Now(),
			WorkerID:    w.cfg.WorkerID,
			LockTimeout: w.cfg.LockTimeout,
		})
		if err != nil {
			w.logger.Warn().Str("worker_id", w.cfg.WorkerID).Err(err).Msg("findAndLockNext failed")
			w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Err: err, Message: "findAndLockNext failed"})
			if !w.sleepOrDone(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !w.sleepOrDone(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		w.bus.Emit(models.Event{Type: models.EventJobStart, WorkerID: w.cfg.WorkerID, Job: job})
		w.execute(ctx, job)
	}
}

// sleepOrDone waits for d or ctx cancellation, reporting whether the
// caller should continue polling (false means ctx was cancelled).
func (w *Worker) sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// execute runs the full execute phase (§4.4 steps a-g) for an acquired
// job. The heartbeat goroutine runs concurrently with everything else
// in this method and is always stopped before returning.
func (w *Worker) execute(ctx context.Context, job *models.Job) {
	hb := w.startHeartbeat(ctx, job.ID)
	defer hb.stop()

	current, abort := w.preflight(ctx, job)
	if abort {
		return
	}

	now := time.Now()
	if current.Repeat != nil && current.Repeat.IsCron() {
		base := current.LastScheduledAt
		if base.IsZero() {
			base = current.NextRunAt
		}
		next, err := scheduler.SkipMissedSlots(*current.Repeat, base, now, w.cfg.DefaultTimezone)
		if err != nil {
			w.logger.Warn().Str("job_id", current.ID).Err(err).Msg("cron pre-scheduling failed")
			w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: current, Err: err, Message: "cron pre-scheduling failed"})
			return
		}
		if err := w.store.Reschedule(ctx, current.ID, next, nil); err != nil {
			w.logger.Warn().Str("job_id", current.ID).Err(err).Msg("cron pre-schedule reschedule failed")
			w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: current, Err: err, Message: "cron pre-schedule reschedule failed"})
			return
		}
	}

	handlerErr := w.invokeHandler(ctx, current)
	if handlerErr == nil {
		w.finishSuccess(ctx, current)
	} else {
		w.finishFailure(ctx, current, handlerErr)
	}
}

// preflight re-reads the job and enforces the ownership/state checks
// of spec §4.4b. The returned bool reports whether execution must
// abort (in which case the heartbeat is already effectively moot —
// caller's deferred stop() still applies).
func (w *Worker) preflight(ctx context.Context, job *models.Job) (*models.Job, bool) {
	current, err := w.store.FindByID(ctx, job.ID)
	if err != nil {
		if errors.Is(err, storeerr.ErrJobNotFound) {
			return nil, true // silent abort
		}
		w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: job, Err: err, Message: "preflight lookup failed"})
		return nil, true
	}
	if current.Status == models.StatusCancelled {
		w.bus.Emit(models.Event{Type: models.EventJobComplete, WorkerID: w.cfg.WorkerID, Job: current})
		return nil, true
	}
	if current.LockedBy != w.cfg.WorkerID || current.Status != models.StatusRunning {
		w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: current, Message: "lock stolen or job no longer running"})
		return nil, true
	}
	return current, false
}

// invokeHandler runs the user handler, converting a panic into a
// HandlerError so a misbehaving handler can never bring down the
// worker loop (same safety property as vire's safeGo wrapper, applied
// to the synchronous handler call instead of a bare goroutine).
func (w *Worker) invokeHandler(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("job_id", job.ID).Str("panic", fmt.Sprintf("%v", r)).Str("stack", string(debug.Stack())).Msg("handler panicked")
			err = &storeerr.HandlerError{Cause: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	return w.handler(ctx, job.Clone())
}

// finishSuccess implements spec §4.4e.
func (w *Worker) finishSuccess(ctx context.Context, job *models.Job) {
	switch {
	case job.Repeat != nil && job.Repeat.IsInterval():
		next := time.Now().Add(maxDuration(job.Repeat.Every, scheduler.MinInterval))
		if err := w.store.Reschedule(ctx, job.ID, next, nil); err != nil {
			w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: job, Err: err, Message: "interval reschedule failed"})
		}

	case job.Repeat == nil:
		if err := w.store.MarkCompleted(ctx, job.ID, w.cfg.WorkerID); err != nil {
			var ownerErr *storeerr.OwnershipError
			if errors.As(err, &ownerErr) {
				w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: job, Err: err, Message: "markCompleted lost ownership"})
			} else {
				w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: job, Err: err, Message: "markCompleted failed"})
			}
		} else {
			w.bus.Emit(models.Event{Type: models.EventJobSuccess, WorkerID: w.cfg.WorkerID, Job: job})
		}

	default:
		// cron repeat: the next slot was already committed during
		// pre-scheduling (§4.4c), nothing further to do here.
	}

	w.bus.Emit(models.Event{Type: models.EventJobComplete, WorkerID: w.cfg.WorkerID, Job: job})
}

// finishFailure implements spec §4.4f.
func (w *Worker) finishFailure(ctx context.Context, job *models.Job, cause error) {
	attempts := job.Attempts + 1

	if job.Retry != nil && scheduler.ShouldRetry(job.Retry, attempts) {
		delay := scheduler.RetryDelay(job.Retry, attempts)
		next := time.Now().Add(delay)
		if err := w.store.Reschedule(ctx, job.ID, next, &attempts); err != nil {
			w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: job, Err: err, Message: "retry reschedule failed"})
			return
		}
		w.bus.Emit(models.Event{Type: models.EventJobRetry, WorkerID: w.cfg.WorkerID, Job: job, Err: cause})
		return
	}

	if _, err := w.store.Update(ctx, job.ID, interfaces.JobUpdate{Attempts: &attempts}); err != nil {
		w.logger.Warn().Str("job_id", job.ID).Err(err).Msg("attempts bookkeeping update failed")
	}
	if err := w.store.MarkFailed(ctx, job.ID, w.cfg.WorkerID, cause); err != nil {
		var ownerErr *storeerr.OwnershipError
		if errors.As(err, &ownerErr) {
			w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: job, Err: err, Message: "markFailed lost ownership"})
			return
		}
		w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Job: job, Err: err, Message: "markFailed failed"})
		return
	}
	w.bus.Emit(models.Event{Type: models.EventJobFail, WorkerID: w.cfg.WorkerID, Job: job, Err: cause})
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// heartbeat renews a job's lock on a fixed period concurrently with
// the handler invocation (spec §4.4a). It runs in its own goroutine
// and stops either when told to or when a renewal fails.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *heartbeat) stop() {
	h.cancel()
	<-h.done
}

func (w *Worker) startHeartbeat(parent context.Context, jobID string) *heartbeat {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	interval := w.cfg.LockTimeout / 2
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().Str("job_id", jobID).Str("panic", fmt.Sprintf("%v", r)).Msg("heartbeat goroutine panicked")
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.RenewLock(context.Background(), jobID, w.cfg.WorkerID, w.cfg.LockTimeout); err != nil {
					w.bus.Emit(models.Event{Type: models.EventWorkerError, WorkerID: w.cfg.WorkerID, Message: "Heartbeat failed: " + err.Error(), Err: err})
					return
				}
			}
		}
	}()

	return &heartbeat{cancel: cancel, done: done}
}
