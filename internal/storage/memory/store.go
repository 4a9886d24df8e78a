// Package memory is a process-local JobStore implementation, used for
// single-process deployments and as the fast test double for the
// worker/supervisor unit tests. It emulates the document store's
// conditional-write semantics with a single mutex over the record
// collection, per DESIGN NOTES' "optimistic concurrency over shared
// storage" guidance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/storeerr"
	"github.com/google/uuid"
)

// maxConcurrencyCapScan bounds how many candidate jobs FindAndLockNext
// will try before giving up. Candidates are tracked by job ID, so every
// capped job of the same name uses up one of the iterations.
const maxConcurrencyCapScan = 20

// Store is an in-memory JobStore. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	dedupe    map[string]string // dedupeKey -> jobID
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*models.Job),
		dedupe: make(map[string]string),
	}
}

var _ interfaces.JobStore = (*Store)(nil)

func (s *Store) Create(_ context.Context, req models.NewJobRequest) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(req), nil
}

func (s *Store) createLocked(req models.NewJobRequest) *models.Job {
	if req.DedupeKey != "" {
		if existingID, ok := s.dedupe[req.DedupeKey]; ok {
			return s.jobs[existingID].Clone()
		}
	}

	now := time.Now()
	priority := req.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}
	job := &models.Job{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Data:        req.Data,
		Status:      models.StatusPending,
		NextRunAt:   req.RunAt,
		Retry:       req.Retry,
		Repeat:      req.Repeat,
		DedupeKey:   req.DedupeKey,
		Priority:    priority,
		Concurrency: req.Concurrency,
		Attempts:    0,
		LockVersion: 0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}

	s.jobs[job.ID] = job
	if req.DedupeKey != "" {
		s.dedupe[req.DedupeKey] = job.ID
	}
	return job.Clone()
}

func (s *Store) CreateBulk(_ context.Context, reqs []models.NewJobRequest) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Job, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, s.createLocked(req))
	}
	return out, nil
}

func (s *Store) FindAndLockNext(_ context.Context, opts interfaces.FindAndLockOptions) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tried := make(map[string]bool)

	for iter := 0; iter < maxConcurrencyCapScan; iter++ {
		candidate := s.pickEligibleLocked(opts.Now, tried)
		if candidate == nil {
			return nil, nil
		}
		tried[candidate.ID] = true

		if candidate.Concurrency > 0 {
			running := s.countRunningExcludingLocked(candidate.Name, candidate.ID)
			if running >= candidate.Concurrency {
				continue // concurrency-capped, try the next-best candidate
			}
		}

		candidate.Status = models.StatusRunning
		candidate.LockedBy = opts.WorkerID
		candidate.LockedAt = opts.Now
		candidate.LockUntil = opts.Now.Add(opts.LockTimeout)
		candidate.LastRunAt = opts.Now
		candidate.LockVersion++
		candidate.UpdatedAt = opts.Now

		if candidate.Concurrency > 0 {
			// Re-count post-acquisition; release if the cap was exceeded
			// by a race with another acquisition in this same pass.
			running := s.countRunningExcludingLocked(candidate.Name, candidate.ID)
			if running+1 > candidate.Concurrency {
				candidate.Status = models.StatusPending
				candidate.LockedBy = ""
				candidate.LockedAt = time.Time{}
				candidate.LockUntil = time.Time{}
				continue
			}
		}

		return candidate.Clone(), nil
	}

	return nil, nil
}

// pickEligibleLocked returns the highest-priority, earliest-nextRunAt
// eligible candidate not already in tried. Must be called with s.mu held.
func (s *Store) pickEligibleLocked(now time.Time, tried map[string]bool) *models.Job {
	var candidates []*models.Job
	for _, j := range s.jobs {
		if tried[j.ID] {
			continue
		}
		if j.NextRunAt.After(now) {
			continue
		}
		eligiblePending := j.Status == models.StatusPending && j.LockedBy == ""
		eligibleStale := j.Status == models.StatusRunning && !j.LockUntil.IsZero() && !j.LockUntil.After(now)
		if !eligiblePending && !eligibleStale {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority < candidates[k].Priority
		}
		return candidates[i].NextRunAt.Before(candidates[k].NextRunAt)
	})
	return candidates[0]
}

func (s *Store) countRunningExcludingLocked(name, excludeID string) int {
	n := 0
	for _, j := range s.jobs {
		if j.ID == excludeID {
			continue
		}
		if j.Name == name && j.Status == models.StatusRunning {
			n++
		}
	}
	return n
}

func (s *Store) RenewLock(_ context.Context, jobID, workerID string, lockTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.StatusRunning || job.LockedBy != workerID {
		return &storeerr.LockLostError{JobID: jobID, WorkerID: workerID}
	}

	now := time.Now()
	job.LockedAt = now
	job.LockUntil = now.Add(lockTimeout)
	job.LockVersion++
	job.UpdatedAt = now
	return nil
}

func (s *Store) MarkCompleted(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.StatusRunning || job.LockedBy != workerID {
		return &storeerr.OwnershipError{JobID: jobID, WorkerID: workerID}
	}

	job.Status = models.StatusCompleted
	s.clearLock(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkFailed(_ context.Context, jobID, workerID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.StatusRunning || job.LockedBy != workerID {
		// Ownership-guarded per the conservative resolution documented
		// in SPEC_FULL.md/DESIGN.md of spec §9's open question.
		return &storeerr.OwnershipError{JobID: jobID, WorkerID: workerID}
	}

	job.Status = models.StatusFailed
	if cause != nil {
		job.LastError = cause.Error()
	}
	s.clearLock(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Reschedule(_ context.Context, jobID string, nextRunAt time.Time, attempts *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return storeerr.ErrJobNotFound
	}

	job.Status = models.StatusPending
	job.NextRunAt = nextRunAt
	job.LastScheduledAt = nextRunAt
	if attempts != nil {
		job.Attempts = *attempts
	} else {
		job.Attempts++
	}
	s.clearLock(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) clearLock(job *models.Job) {
	job.LockedBy = ""
	job.LockedAt = time.Time{}
	job.LockUntil = time.Time{}
}

func (s *Store) RecoverStaleJobs(_ context.Context, opts interfaces.RecoverOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Status != models.StatusRunning {
			continue
		}
		stale := false
		if !job.LockUntil.IsZero() {
			stale = !job.LockUntil.After(opts.Now)
		} else if !job.LockedAt.IsZero() {
			stale = !job.LockedAt.After(opts.Now.Add(-opts.LockTimeout))
		}
		if !stale {
			continue
		}
		job.Status = models.StatusPending
		s.clearLock(job)
		job.UpdatedAt = time.Now()
		count++
	}
	return count, nil
}

func (s *Store) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return storeerr.ErrJobNotFound
	}
	job.Status = models.StatusCancelled
	s.clearLock(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *Store) FindByID(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, storeerr.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) FindAll(_ context.Context, query interfaces.Query) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if query.Name != "" && j.Name != query.Name {
			continue
		}
		if query.Status != "" && j.Status != query.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) Update(_ context.Context, jobID string, update interfaces.JobUpdate) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, storeerr.ErrJobNotFound
	}

	if update.NextRunAt != nil {
		job.NextRunAt = *update.NextRunAt
		job.Status = models.StatusPending
		s.clearLock(job)
	}
	if update.Priority != nil {
		job.Priority = *update.Priority
	}
	if update.Data != nil {
		job.Data = update.Data
	}
	if update.Retry != nil {
		job.Retry = update.Retry
	}
	if update.Repeat != nil {
		job.Repeat = update.Repeat
	}
	if update.Concurrency != nil {
		job.Concurrency = *update.Concurrency
	}
	if update.Attempts != nil {
		job.Attempts = *update.Attempts
	}
	job.UpdatedAt = time.Now()

	return job.Clone(), nil
}

func (s *Store) CountRunning(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Name == name && j.Status == models.StatusRunning {
			n++
		}
	}
	return n, nil
}
