package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/command"
)

// Handler routes command envelopes; the dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, channel string, cmd command.Command) command.Result
}

// JobRunner executes a single job on schedule. The runner owns the job's
// execution state; reads go through Snapshot.
type JobRunner struct {
	job     Job
	handler Handler
	logger  *slog.Logger

	mu    sync.Mutex
	state JobState

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewJobRunner creates a new job runner
func NewJobRunner(job Job, handler Handler, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:     job,
		handler: handler,
		logger:  log.With("job", job.ID),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins executing the job on schedule
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.setNextRun(nextRun)

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	// Interval jobs run on every tick; cron/at jobs wake every minute
	// and compare against the next due time.
	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron", "at":
		tickerDuration = 1 * time.Minute
	}

	ticker := time.NewTicker(tickerDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-ticker.C:
			shouldRun := true
			if r.job.Schedule.Kind != "interval" {
				due := r.nextRun()
				shouldRun = now.After(due) || now.Equal(due)
			}
			if !shouldRun {
				continue
			}

			r.runOnce(ctx)

			nextRun, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
			} else {
				r.setNextRun(nextRun)
				r.logger.Debug("next run scheduled", "next_run", nextRun.Format(time.RFC3339))
			}
		}
	}
}

// Stop stops the job runner
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Snapshot returns a copy of the job's execution state.
func (r *JobRunner) Snapshot() JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *JobRunner) nextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.NextRunAt
}

func (r *JobRunner) setNextRun(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.NextRunAt = t
}

// runOnce submits the job's envelope through the dispatcher. Timeouts and
// output capture are the gateway's business, not the scheduler's.
func (r *JobRunner) runOnce(ctx context.Context) {
	start := time.Now()
	r.logger.Info("executing job", "command_type", r.job.Command.Type, "action", r.job.Command.Action)

	res := r.handler.Handle(ctx, "scheduler", r.job.envelope())
	duration := time.Since(start)

	r.mu.Lock()
	r.state.LastRunAt = time.Now()
	r.state.LastDuration = duration
	r.state.RunCount++
	if !res.Success {
		r.state.ErrorCount++
		r.state.LastError = res.Message
	} else {
		r.state.LastError = ""
	}
	runs, errors := r.state.RunCount, r.state.ErrorCount
	r.mu.Unlock()

	if !res.Success {
		r.logger.Error("job failed",
			"message", res.Message,
			"duration", duration,
			"run_count", runs,
			"error_count", errors)
	} else {
		r.logger.Info("job completed",
			"duration", duration,
			"run_count", runs)
	}
}
