package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opsgate/opsgate/internal/command"
)

// Scheduler manages all scheduled jobs
type Scheduler struct {
	jobs    map[string]Job
	runners map[string]*JobRunner
	handler Handler
	logger  *slog.Logger
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// JobStatus pairs a job definition with its execution state.
type JobStatus struct {
	Job   Job      `json:"job"`
	State JobState `json:"state"`
}

// New creates a scheduler that submits due jobs through handler.
func New(handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]Job),
		runners: make(map[string]*JobRunner),
		handler: handler,
		logger:  logger.With("component", "scheduler"),
	}
}

// Load registers jobs from configuration. Any invalid job fails the whole
// load: a daemon with a broken schedule should not start.
func (s *Scheduler) Load(jobs []Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("job %q: %w", job.ID, err)
		}
		if _, exists := s.jobs[job.ID]; exists {
			return fmt.Errorf("job %q: duplicate id", job.ID)
		}
		s.jobs[job.ID] = job
		s.logger.Debug("loaded job from config", "job", job.ID)
	}

	s.logger.Info("jobs loaded", "count", len(s.jobs))
	return nil
}

// Start initializes and starts all enabled jobs
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("starting scheduler", "jobs", len(s.jobs))

	for id, job := range s.jobs {
		if !job.Enabled {
			s.logger.Debug("skipping disabled job", "job", id)
			continue
		}

		runner := NewJobRunner(job, s.handler, s.logger)
		s.runners[id] = runner
		go runner.Start(s.ctx)
	}

	s.logger.Info("scheduler started", "active_jobs", len(s.runners))
	return nil
}

// Stop stops all job runners
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("stopping scheduler")

	if s.cancel != nil {
		s.cancel()
	}

	for id, runner := range s.runners {
		runner.Stop()
		s.logger.Debug("stopped job runner", "job", id)
	}

	s.runners = make(map[string]*JobRunner)
	s.logger.Info("scheduler stopped")
}

// Add registers a new job, starting its runner immediately when the
// scheduler is already running.
func (s *Scheduler) Add(job Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job with ID %s already exists", job.ID)
	}

	s.jobs[job.ID] = job

	if s.ctx != nil && job.Enabled {
		runner := NewJobRunner(job, s.handler, s.logger)
		s.runners[job.ID] = runner
		go runner.Start(s.ctx)
		s.logger.Info("job added and started", "job", job.ID)
	} else {
		s.logger.Info("job added", "job", job.ID, "enabled", job.Enabled)
	}

	return nil
}

// Remove stops and removes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	if runner, exists := s.runners[id]; exists {
		runner.Stop()
		delete(s.runners, id)
	}

	delete(s.jobs, id)
	s.logger.Info("job removed", "job", id)

	return nil
}

// Jobs returns all jobs with their current state, sorted by id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for id, job := range s.jobs {
		status := JobStatus{Job: job}
		if runner, ok := s.runners[id]; ok {
			status.State = runner.Snapshot()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out
}

// RunNow submits a job's envelope immediately, bypassing its schedule.
// The result reports what the gateway decided; the job's own run counters
// are untouched.
func (s *Scheduler) RunNow(ctx context.Context, id string) (command.Result, error) {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return command.Result{}, fmt.Errorf("job not found: %s", id)
	}

	return s.handler.Handle(ctx, "scheduler", job.envelope()), nil
}

// Stats summarizes the scheduler for status surfaces.
func (s *Scheduler) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalRuns := int64(0)
	totalErrors := int64(0)
	activeJobs := 0

	for id, job := range s.jobs {
		if runner, ok := s.runners[id]; ok {
			state := runner.Snapshot()
			totalRuns += state.RunCount
			totalErrors += state.ErrorCount
		}
		if job.Enabled {
			activeJobs++
		}
	}

	return map[string]any{
		"total_jobs":   len(s.jobs),
		"active_jobs":  activeJobs,
		"running_jobs": len(s.runners),
		"total_runs":   totalRuns,
		"total_errors": totalErrors,
	}
}
