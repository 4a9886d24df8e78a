// Package interfaces defines the contracts the scheduler core consumes
// and exposes: the JobStore persistence contract, the Handler callable,
// and the Listener callback used by the event bus.
package interfaces

import (
	"context"
	"time"

	"github.com/corelock/jobrunner/internal/models"
)

// FindAndLockOptions parameterizes JobStore.FindAndLockNext.
type FindAndLockOptions struct {
	Now            time.Time
	WorkerID       string
	LockTimeout    time.Duration
}

// RecoverOptions parameterizes JobStore.RecoverStaleJobs.
type RecoverOptions struct {
	Now         time.Time
	LockTimeout time.Duration
}

// Query constrains JobStore.FindAll. A zero value matches everything.
type Query struct {
	Name   string
	Status models.Status
}

// JobUpdate is the public mutation surface for JobStore.Update. It
// deliberately excludes Status/LockedBy/LockUntil/LockVersion — those
// only change through the locking-protocol operations below. Setting
// NextRunAt resets Status to pending (per spec §4.1's update contract).
type JobUpdate struct {
	NextRunAt   *time.Time
	Priority    *int
	Data        []byte
	Retry       *models.RetrySpec
	Repeat      *models.RepeatSpec
	Concurrency *int
	Attempts    *int
}

// JobStore encapsulates all concurrency-critical persistence for Job
// records (spec §4.1). It must have at least two implementations — an
// in-memory variant and a shared document-store variant — that are
// observably equivalent against this contract.
type JobStore interface {
	// Create inserts a job, defaulting Priority=5, Attempts=0,
	// Status=pending, LockVersion=0. If DedupeKey is set and a record
	// with the same value already exists, the existing record is
	// returned unchanged (idempotent creation).
	Create(ctx context.Context, req models.NewJobRequest) (*models.Job, error)

	// CreateBulk inserts a batch, applying the same per-record dedupe
	// semantics as Create. The returned slice preserves request order.
	CreateBulk(ctx context.Context, reqs []models.NewJobRequest) ([]*models.Job, error)

	// FindAndLockNext atomically selects and locks at most one eligible
	// job, honoring priority/nextRunAt ordering and per-name
	// concurrency caps. Returns (nil, nil) when nothing is eligible.
	FindAndLockNext(ctx context.Context, opts FindAndLockOptions) (*models.Job, error)

	// RenewLock extends the lock on a job this worker currently holds.
	// Fails with *storeerr.LockLostError if lockedBy/status no longer match.
	RenewLock(ctx context.Context, jobID, workerID string, lockTimeout time.Duration) error

	// MarkCompleted transitions a held job to completed. Ownership
	// guarded: fails with *storeerr.OwnershipError on mismatch.
	MarkCompleted(ctx context.Context, jobID, workerID string) error

	// MarkFailed transitions a held job to failed, recording lastError.
	// Ownership guarded per the conservative resolution of spec §9's
	// open question (see DESIGN.md).
	MarkFailed(ctx context.Context, jobID, workerID string, cause error) error

	// Reschedule returns a job to pending with a new NextRunAt. If
	// attempts is non-nil it is authoritative; otherwise Attempts is
	// incremented by one. Clears lock fields and sets LastScheduledAt.
	Reschedule(ctx context.Context, jobID string, nextRunAt time.Time, attempts *int) error

	// RecoverStaleJobs reclaims locks whose LockUntil has elapsed (or,
	// absent a recorded LockUntil, whose LockedAt predates now-lockTimeout),
	// returning them to pending. Returns the number of records affected.
	// Idempotent and safe to run concurrently with workers.
	RecoverStaleJobs(ctx context.Context, opts RecoverOptions) (int, error)

	// Cancel sets status to cancelled and clears the lock, regardless
	// of current state.
	Cancel(ctx context.Context, jobID string) error

	// FindByID returns a single job, or storeerr.ErrJobNotFound.
	FindByID(ctx context.Context, jobID string) (*models.Job, error)

	// FindAll returns jobs matching query. An empty Query matches all.
	FindAll(ctx context.Context, query Query) ([]*models.Job, error)

	// Update applies a restricted field-level mutation. It never
	// crosses the locking invariants — Status/LockedBy/LockUntil are
	// not settable here.
	Update(ctx context.Context, jobID string, update JobUpdate) (*models.Job, error)

	// CountRunning returns the number of jobs with the given name
	// currently in status=running.
	CountRunning(ctx context.Context, name string) (int, error)
}

// Handler is the user-supplied callable invoked for each acquired job.
// It receives a snapshot of the job at acquisition time and signals
// failure by returning a non-nil error.
type Handler func(ctx context.Context, job *models.Job) error

// Listener receives fire-and-forget lifecycle events. A panicking or
// erroring listener must never affect the core; the event bus recovers
// it and re-emits it as a scheduler:error event.
type Listener func(models.Event)
