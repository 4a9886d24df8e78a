// Package docstore is the shared, document-store-backed JobStore
// implementation. It persists Job records in SurrealDB and expresses
// every ownership-checked transition as a conditional UPDATE ... WHERE
// query, the document-store analogue of the in-memory store's mutex
// (see DESIGN NOTES' "optimistic concurrency over shared storage").
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/corelock/jobrunner/internal/common"
	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/storeerr"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

const table = "scheduled_job"

// maxConcurrencyCapScan bounds the number of candidate jobs tried by
// FindAndLockNext before giving up. Candidates are tracked by job ID, so
// every capped job of the same name uses up one of the iterations.
const maxConcurrencyCapScan = 20

// record is the wire shape persisted in SurrealDB; retry/repeat specs
// are flattened into scalar columns because SurrealQL has no first-class
// notion of a Go function value (DelayFunc never survives a round-trip
// through the store — only Cron/Every/Timezone/MaxAttempts/Delay do).
type record struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Data            []byte    `json:"data"`
	Status          string    `json:"status"`
	NextRunAt       time.Time `json:"next_run_at"`
	LastRunAt       time.Time `json:"last_run_at"`
	LastScheduledAt time.Time `json:"last_scheduled_at"`
	LockedAt        time.Time `json:"locked_at"`
	LockedBy        string    `json:"locked_by"`
	LockUntil       time.Time `json:"lock_until"`
	LockVersion     int64     `json:"lock_version"`
	Attempts        int       `json:"attempts"`
	LastError       string    `json:"last_error"`
	RetryMaxAttempts int      `json:"retry_max_attempts"`
	RetryDelayMS    int64     `json:"retry_delay_ms"`
	RepeatCron      string    `json:"repeat_cron"`
	RepeatEveryMS   int64     `json:"repeat_every_ms"`
	RepeatTimezone  string    `json:"repeat_timezone"`
	DedupeKey       string    `json:"dedupe_key"`
	Priority        int       `json:"priority"`
	Concurrency     int       `json:"concurrency"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toModel(r record) *models.Job {
	j := &models.Job{
		ID:              r.ID,
		Name:            r.Name,
		Data:            r.Data,
		Status:          models.Status(r.Status),
		NextRunAt:       r.NextRunAt,
		LastRunAt:       r.LastRunAt,
		LastScheduledAt: r.LastScheduledAt,
		LockedAt:        r.LockedAt,
		LockedBy:        r.LockedBy,
		LockUntil:       r.LockUntil,
		LockVersion:     r.LockVersion,
		Attempts:        r.Attempts,
		LastError:       r.LastError,
		DedupeKey:       r.DedupeKey,
		Priority:        r.Priority,
		Concurrency:     r.Concurrency,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.RetryMaxAttempts > 0 {
		j.Retry = &models.RetrySpec{
			MaxAttempts: r.RetryMaxAttempts,
			Delay:       time.Duration(r.RetryDelayMS) * time.Millisecond,
		}
	}
	if r.RepeatCron != "" || r.RepeatEveryMS > 0 {
		j.Repeat = &models.RepeatSpec{
			Cron:     r.RepeatCron,
			Every:    time.Duration(r.RepeatEveryMS) * time.Millisecond,
			Timezone: r.RepeatTimezone,
		}
	}
	return j
}

// Store is a SurrealDB-backed JobStore.
type Store struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// New constructs a Store over an already-connected SurrealDB handle.
func New(db *surrealdb.DB, logger *common.Logger) *Store {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Store{db: db, logger: logger}
}

var _ interfaces.JobStore = (*Store)(nil)

// EnsureSchema defines the job table and the indexes spec §4.1's
// "Indexing guidance" calls for: the primary poll index over
// {status, priority, next_run_at}, a unique-sparse index on dedupe_key,
// a sparse index on lock_until for stale-lock recovery scans, and a
// {name, status} index for concurrency-cap counting. All definitions
// use IF NOT EXISTS so this is safe to re-run at every startup, and
// SurrealDB builds non-unique indexes in the background by default —
// the same "background/non-blocking, safe to re-run" property the
// teacher's DEFINE TABLE IF NOT EXISTS idiom relies on.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table),
		fmt.Sprintf("DEFINE INDEX IF NOT EXISTS idx_poll ON TABLE %s COLUMNS status, priority, next_run_at", table),
		fmt.Sprintf("DEFINE INDEX IF NOT EXISTS idx_dedupe ON TABLE %s COLUMNS dedupe_key UNIQUE", table),
		fmt.Sprintf("DEFINE INDEX IF NOT EXISTS idx_lock_until ON TABLE %s COLUMNS lock_until", table),
		fmt.Sprintf("DEFINE INDEX IF NOT EXISTS idx_name_status ON TABLE %s COLUMNS name, status", table),
	}
	for _, sql := range stmts {
		if _, err := surrealdb.Query[any](ctx, s.db, sql, nil); err != nil {
			return &storeerr.StorageError{Op: "EnsureSchema", Cause: err}
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, req models.NewJobRequest) (*models.Job, error) {
	if req.DedupeKey != "" {
		existing, err := s.findByDedupeKey(ctx, req.DedupeKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	now := time.Now()
	priority := req.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	id := uuid.New().String()
	r := record{
		ID:          id,
		Name:        req.Name,
		Data:        req.Data,
		Status:      string(models.StatusPending),
		NextRunAt:   runAt,
		DedupeKey:   req.DedupeKey,
		Priority:    priority,
		Concurrency: req.Concurrency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Retry != nil {
		r.RetryMaxAttempts = req.Retry.MaxAttempts
		r.RetryDelayMS = req.Retry.Delay.Milliseconds()
	}
	if req.Repeat != nil {
		r.RepeatCron = req.Repeat.Cron
		r.RepeatEveryMS = req.Repeat.Every.Milliseconds()
		r.RepeatTimezone = req.Repeat.Timezone
	}

	sql := `UPSERT $rid SET
		name = $name, data = $data, status = $status, next_run_at = $next_run_at,
		dedupe_key = $dedupe_key, priority = $priority, concurrency = $concurrency,
		retry_max_attempts = $retry_max_attempts, retry_delay_ms = $retry_delay_ms,
		repeat_cron = $repeat_cron, repeat_every_ms = $repeat_every_ms, repeat_timezone = $repeat_timezone,
		attempts = 0, lock_version = 0, locked_by = '', locked_at = NONE, lock_until = NONE,
		created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":                surrealmodels.NewRecordID(table, id),
		"name":               r.Name,
		"data":               r.Data,
		"status":             r.Status,
		"next_run_at":        r.NextRunAt,
		"dedupe_key":         r.DedupeKey,
		"priority":           r.Priority,
		"concurrency":        r.Concurrency,
		"retry_max_attempts": r.RetryMaxAttempts,
		"retry_delay_ms":     r.RetryDelayMS,
		"repeat_cron":        r.RepeatCron,
		"repeat_every_ms":    r.RepeatEveryMS,
		"repeat_timezone":    r.RepeatTimezone,
		"created_at":         r.CreatedAt,
		"updated_at":         r.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return nil, &storeerr.StorageError{Op: "Create", Cause: err}
	}
	return toModel(r), nil
}

func (s *Store) CreateBulk(ctx context.Context, reqs []models.NewJobRequest) ([]*models.Job, error) {
	out := make([]*models.Job, 0, len(reqs))
	for _, req := range reqs {
		job, err := s.Create(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store) findByDedupeKey(ctx context.Context, key string) (*models.Job, error) {
	sql := "SELECT * FROM type::table($table) WHERE dedupe_key = $key LIMIT 1"
	vars := map[string]any{"table": table, "key": key}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return nil, &storeerr.StorageError{Op: "findByDedupeKey", Cause: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return toModel((*results)[0].Result[0]), nil
}

// FindAndLockNext mirrors the in-memory store's select-then-conditional-
// claim algorithm but expresses the claim itself as a single
// conditional UPDATE ... WHERE, the document-store equivalent of the
// mutex-guarded mutation used by the in-memory implementation.
func (s *Store) FindAndLockNext(ctx context.Context, opts interfaces.FindAndLockOptions) (*models.Job, error) {
	tried := make(map[string]bool)

	for iter := 0; iter < maxConcurrencyCapScan; iter++ {
		candidate, err := s.pickEligible(ctx, opts.Now, tried)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			return nil, nil
		}
		tried[candidate.ID] = true

		if candidate.Concurrency > 0 {
			running, err := s.CountRunning(ctx, candidate.Name)
			if err != nil {
				return nil, err
			}
			if running >= candidate.Concurrency {
				continue
			}
		}

		claimed, err := s.claim(ctx, candidate, opts)
		if err != nil {
			return nil, err
		}
		if claimed == nil {
			continue // another worker won the race; try the next candidate
		}

		if candidate.Concurrency > 0 {
			running, err := s.CountRunning(ctx, candidate.Name)
			if err != nil {
				return nil, err
			}
			if running > candidate.Concurrency {
				// Lost the post-acquisition re-count race; release the lock
				// without touching lastScheduledAt/nextRunAt/attempts, then
				// continue searching for the next-best candidate.
				_ = s.releaseLock(ctx, claimed.ID, opts.WorkerID)
				continue
			}
		}

		return claimed, nil
	}

	return nil, nil
}

func (s *Store) pickEligible(ctx context.Context, now time.Time, tried map[string]bool) (*models.Job, error) {
	sql := `SELECT * FROM type::table($table)
		WHERE next_run_at <= $now
		  AND ((status = $pending AND locked_by = '') OR (status = $running AND lock_until != NONE AND lock_until <= $now))
		ORDER BY priority ASC, next_run_at ASC
		LIMIT 50`
	vars := map[string]any{
		"table":   table,
		"now":     now,
		"pending": string(models.StatusPending),
		"running": string(models.StatusRunning),
	}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return nil, &storeerr.StorageError{Op: "pickEligible", Cause: err}
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	for _, r := range (*results)[0].Result {
		if !tried[r.ID] {
			return toModel(r), nil
		}
	}
	return nil, nil
}

func (s *Store) claim(ctx context.Context, candidate *models.Job, opts interfaces.FindAndLockOptions) (*models.Job, error) {
	sql := `UPDATE $rid SET
		status = $running, locked_by = $worker, locked_at = $now,
		lock_until = $lockUntil, last_run_at = $now, lock_version = lock_version + 1,
		updated_at = $now
		WHERE (status = $pending AND locked_by = '') OR (status = $running AND lock_until != NONE AND lock_until <= $now)`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID(table, candidate.ID),
		"running":   string(models.StatusRunning),
		"pending":   string(models.StatusPending),
		"worker":    opts.WorkerID,
		"now":       opts.Now,
		"lockUntil": opts.Now.Add(opts.LockTimeout),
	}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return nil, &storeerr.StorageError{Op: "claim", Cause: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil // another worker claimed it first
	}
	return toModel((*results)[0].Result[0]), nil
}

// releaseLock reverts a just-claimed job back to pending without
// touching lastScheduledAt, nextRunAt, or attempts — used when a
// post-acquisition concurrency-cap re-count finds the claim must be
// given back (§4.1's "release the lock (revert to pending)"), as
// opposed to Reschedule, which also advances the schedule.
func (s *Store) releaseLock(ctx context.Context, jobID, workerID string) error {
	sql := `UPDATE $rid SET status = $pending, locked_by = '', locked_at = NONE, lock_until = NONE, updated_at = $now
		WHERE locked_by = $worker AND status = $running`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID(table, jobID),
		"pending": string(models.StatusPending),
		"now":     time.Now(),
		"worker":  workerID,
		"running": string(models.StatusRunning),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return &storeerr.StorageError{Op: "releaseLock", Cause: err}
	}
	return nil
}

func (s *Store) RenewLock(ctx context.Context, jobID, workerID string, lockTimeout time.Duration) error {
	now := time.Now()
	sql := `UPDATE $rid SET locked_at = $now, lock_until = $lockUntil, lock_version = lock_version + 1, updated_at = $now
		WHERE locked_by = $worker AND status = $running`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID(table, jobID),
		"now":       now,
		"lockUntil": now.Add(lockTimeout),
		"worker":    workerID,
		"running":   string(models.StatusRunning),
	}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return &storeerr.StorageError{Op: "RenewLock", Cause: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return &storeerr.LockLostError{JobID: jobID, WorkerID: workerID}
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, jobID, workerID string) error {
	sql := `UPDATE $rid SET status = $completed, locked_by = '', locked_at = NONE, lock_until = NONE, updated_at = $now
		WHERE locked_by = $worker AND status = $running`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID(table, jobID),
		"completed": string(models.StatusCompleted),
		"now":       time.Now(),
		"worker":    workerID,
		"running":   string(models.StatusRunning),
	}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return &storeerr.StorageError{Op: "MarkCompleted", Cause: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return &storeerr.OwnershipError{JobID: jobID, WorkerID: workerID}
	}
	return nil
}

// MarkFailed is ownership-guarded, applying the conservative resolution
// of spec §9's open question (see DESIGN.md): the unconditional write
// observed in the teacher's Complete() is deliberately NOT replicated here.
func (s *Store) MarkFailed(ctx context.Context, jobID, workerID string, cause error) error {
	errStr := ""
	if cause != nil {
		errStr = cause.Error()
	}
	sql := `UPDATE $rid SET status = $failed, last_error = $err, locked_by = '', locked_at = NONE, lock_until = NONE, updated_at = $now
		WHERE locked_by = $worker AND status = $running`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID(table, jobID),
		"failed": string(models.StatusFailed),
		"err":    errStr,
		"now":    time.Now(),
		"worker": workerID,
		"running": string(models.StatusRunning),
	}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return &storeerr.StorageError{Op: "MarkFailed", Cause: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return &storeerr.OwnershipError{JobID: jobID, WorkerID: workerID}
	}
	return nil
}

func (s *Store) Reschedule(ctx context.Context, jobID string, nextRunAt time.Time, attempts *int) error {
	now := time.Now()
	var sql string
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID(table, jobID),
		"pending":   string(models.StatusPending),
		"nextRunAt": nextRunAt,
		"now":       now,
	}
	if attempts != nil {
		sql = `UPDATE $rid SET status = $pending, next_run_at = $nextRunAt, last_scheduled_at = $nextRunAt,
			attempts = $attempts, locked_by = '', locked_at = NONE, lock_until = NONE, updated_at = $now`
		vars["attempts"] = *attempts
	} else {
		sql = `UPDATE $rid SET status = $pending, next_run_at = $nextRunAt, last_scheduled_at = $nextRunAt,
			attempts = attempts + 1, locked_by = '', locked_at = NONE, lock_until = NONE, updated_at = $now`
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return &storeerr.StorageError{Op: "Reschedule", Cause: err}
	}
	return nil
}

func (s *Store) RecoverStaleJobs(ctx context.Context, opts interfaces.RecoverOptions) (int, error) {
	cutoff := opts.Now.Add(-opts.LockTimeout)
	sql := `UPDATE type::table($table) SET status = $pending, locked_by = '', locked_at = NONE, lock_until = NONE, updated_at = $now
		WHERE status = $running AND ((lock_until != NONE AND lock_until <= $now) OR (lock_until = NONE AND locked_at <= $cutoff))`
	vars := map[string]any{
		"table":   table,
		"pending": string(models.StatusPending),
		"running": string(models.StatusRunning),
		"now":     opts.Now,
		"cutoff":  cutoff,
	}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return 0, &storeerr.StorageError{Op: "RecoverStaleJobs", Cause: err}
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

func (s *Store) Cancel(ctx context.Context, jobID string) error {
	sql := `UPDATE $rid SET status = $cancelled, locked_by = '', locked_at = NONE, lock_until = NONE, updated_at = $now`
	vars := map[string]any{
		"rid":       surrealmodels.NewRecordID(table, jobID),
		"cancelled": string(models.StatusCancelled),
		"now":       time.Now(),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return &storeerr.StorageError{Op: "Cancel", Cause: err}
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, jobID string) (*models.Job, error) {
	sql := "SELECT * FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID(table, jobID)}

	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return nil, &storeerr.StorageError{Op: "FindByID", Cause: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, storeerr.ErrJobNotFound
	}
	return toModel((*results)[0].Result[0]), nil
}

func (s *Store) FindAll(ctx context.Context, query interfaces.Query) ([]*models.Job, error) {
	sql := "SELECT * FROM type::table($table)"
	vars := map[string]any{"table": table}
	clauses := ""
	if query.Name != "" {
		clauses += " AND name = $name"
		vars["name"] = query.Name
	}
	if query.Status != "" {
		clauses += " AND status = $status"
		vars["status"] = string(query.Status)
	}
	if clauses != "" {
		sql += " WHERE " + clauses[len(" AND "):]
	}
	sql += " ORDER BY created_at ASC"

	return s.queryJobs(ctx, sql, vars)
}

func (s *Store) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return nil, &storeerr.StorageError{Op: "queryJobs", Cause: err}
	}
	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for _, r := range (*results)[0].Result {
			jobs = append(jobs, toModel(r))
		}
	}
	return jobs, nil
}

func (s *Store) Update(ctx context.Context, jobID string, update interfaces.JobUpdate) (*models.Job, error) {
	sets := []string{"updated_at = $now"}
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID(table, jobID),
		"now": time.Now(),
	}

	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = $nextRunAt", "status = $pending",
			"locked_by = ''", "locked_at = NONE", "lock_until = NONE")
		vars["nextRunAt"] = *update.NextRunAt
		vars["pending"] = string(models.StatusPending)
	}
	if update.Priority != nil {
		sets = append(sets, "priority = $priority")
		vars["priority"] = *update.Priority
	}
	if update.Data != nil {
		sets = append(sets, "data = $data")
		vars["data"] = update.Data
	}
	if update.Retry != nil {
		sets = append(sets, "retry_max_attempts = $retryMax", "retry_delay_ms = $retryDelayMS")
		vars["retryMax"] = update.Retry.MaxAttempts
		vars["retryDelayMS"] = update.Retry.Delay.Milliseconds()
	}
	if update.Repeat != nil {
		sets = append(sets, "repeat_cron = $repeatCron", "repeat_every_ms = $repeatEveryMS", "repeat_timezone = $repeatTZ")
		vars["repeatCron"] = update.Repeat.Cron
		vars["repeatEveryMS"] = update.Repeat.Every.Milliseconds()
		vars["repeatTZ"] = update.Repeat.Timezone
	}
	if update.Concurrency != nil {
		sets = append(sets, "concurrency = $concurrency")
		vars["concurrency"] = *update.Concurrency
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = $attempts")
		vars["attempts"] = *update.Attempts
	}

	sql := "UPDATE $rid SET " + joinSet(sets)
	results, err := surrealdb.Query[[]record](ctx, s.db, sql, vars)
	if err != nil {
		return nil, &storeerr.StorageError{Op: "Update", Cause: err}
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, storeerr.ErrJobNotFound
	}
	return toModel((*results)[0].Result[0]), nil
}

func joinSet(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func (s *Store) CountRunning(ctx context.Context, name string) (int, error) {
	sql := "SELECT count() AS cnt FROM type::table($table) WHERE name = $name AND status = $running GROUP ALL"
	vars := map[string]any{"table": table, "name": name, "running": string(models.StatusRunning)}

	type countResult struct {
		Cnt int `json:"cnt"`
	}

	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, &storeerr.StorageError{Op: "CountRunning", Cause: err}
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}
