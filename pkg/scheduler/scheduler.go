package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wisbric/loom/internal/apperr"
	"github.com/wisbric/loom/internal/telemetry"
)

// Scheduler holds the registry of Job handles and runs each due job on its
// own interval under cooperative cancellation (spec §4.11).
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*registration
	logger *slog.Logger
	wg     sync.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: make(map[string]*registration), logger: logger}
}

// Register adds a job to the scheduler with the interval it runs on. Must
// be called before Run.
func (s *Scheduler) Register(job Job, interval time.Duration, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID()] = &registration{job: job, interval: interval, enabled: enabled}
}

// Run starts one ticker loop per enabled registered job and blocks until
// ctx is cancelled, at which point every loop stops after its in-flight run
// (if any) completes — the cooperative cancellation token is ctx itself,
// which Job.Run implementations are expected to observe.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.jobs))
	for _, r := range s.jobs {
		if r.enabled {
			regs = append(regs, r)
		}
	}
	s.mu.Unlock()

	for _, r := range regs {
		s.wg.Add(1)
		go s.loop(ctx, r)
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, r *registration) {
	defer s.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, r, TriggeredBySchedule)
		}
	}
}

// Trigger runs a job immediately, out of band from its schedule (spec
// §4.11's "trigger" operation).
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (Run, error) {
	s.mu.Lock()
	r, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Run{}, apperr.NotFound("job_not_found", fmt.Sprintf("no job registered with id %q", jobID))
	}
	return s.runOnce(ctx, r, TriggeredByManual), nil
}

// runOnce executes a job, retrying retryable failures with bounded
// exponential backoff, and records the resulting Run.
func (s *Scheduler) runOnce(ctx context.Context, r *registration, triggeredBy TriggeredBy) Run {
	started := time.Now()
	retries := 0

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute

	output, err := backoff.Retry(ctx, func() (JobOutput, error) {
		if retries > 0 {
			s.logger.Warn("scheduler: retrying job", "job_id", r.job.ID(), "attempt", retries+1)
		}
		out, err := r.job.Run(ctx)
		if err == nil {
			return out, nil
		}
		retries++
		var jobErr *JobError
		if je, ok := err.(*JobError); ok && je.Retryable {
			jobErr = je
			return JobOutput{}, jobErr
		}
		return JobOutput{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))

	completed := time.Now()
	run := Run{
		JobID:       r.job.ID(),
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		RetryCount:  retries,
		TriggeredBy: triggeredBy,
	}

	s.mu.Lock()
	if err != nil {
		run.Error = err.Error()
		r.recordRun(run, true)
		s.logger.Error("scheduler: job failed", "job_id", r.job.ID(), "error", err, "consecutive_failures", r.consecutiveFailures)
	} else {
		r.recordRun(run, false)
		s.logger.Info("scheduler: job completed", "job_id", r.job.ID(), "duration", run.Duration, "message", output.Message)
	}
	health := r.health()
	s.mu.Unlock()

	telemetry.JobHealthGauge.WithLabelValues(r.job.ID()).Set(float64(health))
	return run
}

// List returns the current status of every registered job.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, Status{
			ID:                  r.job.ID(),
			Name:                r.job.Name(),
			Description:         r.job.Description(),
			Interval:            r.interval,
			Enabled:             r.enabled,
			LastRun:             r.lastRun,
			ConsecutiveFailures: r.consecutiveFailures,
			Health:              r.health(),
		})
	}
	return out
}

// History returns the recent run history for one job, most recent last.
func (s *Scheduler) History(jobID string) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job_not_found", fmt.Sprintf("no job registered with id %q", jobID))
	}
	out := make([]Run, len(r.history))
	copy(out, r.history)
	return out, nil
}
