// Package scheduler drives the periodic jobs: price refresh, telemetry poll,
// strategy evaluation, rule evaluation. Jobs run synchronously in
// registration order within one wake-up, so a job never overlaps its own
// previous run and the rule evaluator always observes strategy state
// committed in the same or an earlier cycle.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// A Job is one periodic unit of work with its own run record.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	mu           sync.Mutex
	lastRun      time.Time
	lastDuration time.Duration
	lastErr      error
	running      bool
	runNow       bool
}

// JobStatus is a point-in-time copy of a job's run record.
type JobStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	LastRun      time.Time     `json:"lastRun"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
	Running      bool          `json:"running"`
}

type Scheduler struct {
	resolution time.Duration
	logger     *slog.Logger
	clock      func() time.Time
	wake       chan struct{}

	mu   sync.RWMutex
	jobs []*Job
}

const defaultResolution = 10 * time.Second

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		resolution: defaultResolution,
		logger:     logger,
		clock:      time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Add registers a job. Registration order is execution order within a cycle.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &Job{Name: name, Interval: interval, Run: run})
}

// RunNow marks a job for immediate execution on the next wake-up and wakes
// the scheduler. Returns false for unknown job names.
func (s *Scheduler) RunNow(name string) bool {
	job := s.find(name)
	if job == nil {
		return false
	}
	job.mu.Lock()
	job.runNow = true
	job.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes the scheduler loop until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("started", slog.Duration("resolution", s.resolution))
	defer s.logger.Debug("stopped")

	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	// first cycle immediately, so the daemon is useful right after startup
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.wake:
			s.runCycle(ctx)
		}
	}
}

// runCycle runs every due job once, in registration order.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.mu.RLock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.RUnlock()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if s.claim(job) {
			s.runJob(ctx, job)
		}
	}
}

// claim checks the job's run record and marks it running when due. The
// record, not a lock on shared domain state, is what prevents overlap.
func (s *Scheduler) claim(job *Job) bool {
	now := s.clock()
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.running {
		return false
	}
	if !job.runNow && !job.lastRun.IsZero() && now.Sub(job.lastRun) < job.Interval {
		return false
	}
	job.running = true
	job.runNow = false
	return true
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	start := s.clock()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	job.mu.Lock()
	job.lastRun = start
	job.lastDuration = elapsed
	job.lastErr = err
	job.running = false
	job.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", slog.String("job", job.Name), slog.Any("err", err))
		return
	}
	s.logger.Debug("job completed", slog.String("job", job.Name), slog.Duration("duration", elapsed))
}

// Status reports all jobs' run records.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		job.mu.Lock()
		status := JobStatus{
			Name:         job.Name,
			Interval:     job.Interval,
			LastRun:      job.lastRun,
			LastDuration: job.lastDuration,
			Running:      job.running,
		}
		if job.lastErr != nil {
			status.LastError = job.lastErr.Error()
		}
		job.mu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

func (s *Scheduler) find(name string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.Name == name {
			return job
		}
	}
	return nil
}
