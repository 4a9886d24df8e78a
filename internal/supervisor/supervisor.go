// Package supervisor orchestrates N workers over a shared JobStore
// (spec §4.5): idempotent start/stop, startup stale-lock recovery, and
// a graceful-shutdown timeout race. Built on the idempotency-guard and
// crash-recovery-on-start shape of vire's JobManager.Start/Stop, with
// the fixed worker pool replaced by the richer N-named-worker fan-out
// spec §4.5 requires.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corelock/jobrunner/internal/common"
	"github.com/corelock/jobrunner/internal/events"
	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/worker"
	"golang.org/x/time/rate"
)

// DefaultShutdownTimeout is applied by Stop when StopOptions.TimeoutMs
// is zero, per spec §4.5 ("default 30 s").
const DefaultShutdownTimeout = 30 * time.Second

// Config parameterizes a Supervisor.
type Config struct {
	ID              string
	WorkerCount     int
	PollInterval    time.Duration
	LockTimeout     time.Duration
	DefaultTimezone string

	// MaxAcquireRate optionally caps how often the fleet may call
	// findAndLockNext, across all workers combined. Zero means
	// unbounded. This is a domain-stack addition (see DESIGN.md),
	// grounded on the teacher's outbound-API rate limiting
	// (internal/clients/eodhd, golang.org/x/time/rate), repurposed
	// here as an acquisition-side throttle rather than an egress one.
	MaxAcquireRate float64
}

// StopOptions parameterizes Supervisor.Stop.
type StopOptions struct {
	Graceful  bool
	TimeoutMs int64
}

// Supervisor fans out N Workers, runs startup stale-lock recovery, and
// coordinates idempotent start/graceful stop (spec §4.5).
type Supervisor struct {
	store   interfaces.JobStore
	bus     *events.Bus
	handler interfaces.Handler
	cfg     Config
	logger  *common.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	limiter  *rate.Limiter
}

// New constructs a Supervisor. logger may be nil.
func New(store interfaces.JobStore, bus *events.Bus, handler interfaces.Handler, cfg Config, logger *common.Logger) *Supervisor {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}

	var limiter *rate.Limiter
	if cfg.MaxAcquireRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxAcquireRate), 1)
	}

	return &Supervisor{store: store, bus: bus, handler: handler, cfg: cfg, logger: logger, limiter: limiter}
}

// Start is idempotent: only the first call has any effect. It emits
// scheduler:start, runs store.RecoverStaleJobs once, then instantiates
// and starts cfg.WorkerCount workers identified "<id>-w<i>".
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	n, err := s.store.RecoverStaleJobs(ctx, interfaces.RecoverOptions{Now: time.Now(), LockTimeout: s.cfg.LockTimeout})
	if err != nil {
		s.logger.Warn().Err(err).Msg("startup stale-lock recovery failed")
		s.bus.Emit(models.Event{Type: models.EventSchedulerError, Err: err, Message: "startup recoverStaleJobs failed"})
	} else if n > 0 {
		s.logger.Info().Int("count", n).Msg("recovered stale-locked jobs at startup")
	}

	s.bus.Emit(models.Event{Type: models.EventSchedulerStart})

	var store interfaces.JobStore = s.store
	if s.limiter != nil {
		store = &rateLimitedStore{JobStore: s.store, limiter: s.limiter}
	}

	for i := 0; i < s.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-w%d", s.cfg.ID, i)
		w := worker.New(store, s.bus, s.handler, worker.Config{
			WorkerID:        workerID,
			PollInterval:    s.cfg.PollInterval,
			LockTimeout:     s.cfg.LockTimeout,
			DefaultTimezone: s.cfg.DefaultTimezone,
		}, s.logger)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(runCtx)
		}()
	}

	s.logger.Info().Str("supervisor_id", s.cfg.ID).Int("worker_count", s.cfg.WorkerCount).Msg("scheduler started")
	return nil
}

// Stop is idempotent: only the first call has any effect. It signals
// all workers to exit their poll loops; if opts.Graceful, it awaits
// their current iteration up to opts.TimeoutMs (default 30s), returning
// without error on timeout — outstanding handlers finish or lose
// ownership on their own (spec §4.5, §5's timeout-race guarantee).
func (s *Supervisor) Stop(opts StopOptions) {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	if !opts.Graceful {
		s.bus.Emit(models.Event{Type: models.EventSchedulerStop})
		return
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn().Dur("timeout", timeout).Msg("graceful shutdown timed out; returning, workers may still be finishing")
	}

	s.bus.Emit(models.Event{Type: models.EventSchedulerStop})
}

// rateLimitedStore wraps a JobStore so FindAndLockNext respects a
// fleet-wide acquisition rate cap (Config.MaxAcquireRate).
type rateLimitedStore struct {
	interfaces.JobStore
	limiter *rate.Limiter
}

func (r *rateLimitedStore) FindAndLockNext(ctx context.Context, opts interfaces.FindAndLockOptions) (*models.Job, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.JobStore.FindAndLockNext(ctx, opts)
}
