package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mnemosyned/observability/metrics"
)

const defaultLockTTL = 5 * time.Minute

// Job is one registered periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler executes registered jobs on fixed cadences, at most once across
// the fleet per interval. Jobs are registered explicitly at startup; there is
// no implicit discovery.
type Scheduler struct {
	instanceID string
	locker     Locker
	lockTTL    time.Duration
	logger     *slog.Logger
	jobs       []Job
}

// New constructs a Scheduler with a unique instance identifier.
func New(locker Locker, lockTTL time.Duration, logger *slog.Logger) *Scheduler {
	if locker == nil {
		panic("scheduler requires a locker")
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		instanceID: uuid.NewString(),
		locker:     locker,
		lockTTL:    lockTTL,
		logger:     logger,
	}
}

// InstanceID returns this process's scheduler identity.
func (s *Scheduler) InstanceID() string { return s.instanceID }

// Register adds a job to the schedule. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	if job.Name == "" || job.Run == nil || job.Interval <= 0 {
		panic(fmt.Sprintf("invalid job registration: %+v", job))
	}
	s.jobs = append(s.jobs, job)
}

// Start runs all registered jobs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunWithLock(ctx, job.Name, job.Run)
		}
	}
}

// RunWithLock executes fn if this instance wins the job lock. The lock is
// released afterwards regardless of fn's outcome, but only while still owned
// by this instance. Failures are logged, never propagated: the next interval
// retries.
func (s *Scheduler) RunWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) {
	acquired, err := s.locker.Acquire(ctx, name, s.instanceID, s.lockTTL)
	if err != nil {
		s.logger.Error("scheduler lock acquisition failed", "job", name, "error", err)
		return
	}
	if !acquired {
		metrics.Service().ObserveLockContention(name)
		return
	}
	defer func() {
		if err := s.locker.Release(ctx, name, s.instanceID); err != nil {
			s.logger.Error("scheduler lock release failed", "job", name, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			metrics.Service().ObserveSchedulerFailure(name)
			s.logger.Error("scheduler job panicked", "job", name, "panic", r)
		}
	}()

	metrics.Service().ObserveSchedulerRun(name)
	if err := fn(ctx); err != nil {
		metrics.Service().ObserveSchedulerFailure(name)
		s.logger.Error("scheduler job failed", "job", name, "error", err)
	}
}
