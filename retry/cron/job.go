package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/LerianStudio/lib-retry/retry/backoff"
	"github.com/LerianStudio/lib-retry/retry/internal/nilcheck"
	"github.com/LerianStudio/lib-retry/retry/log"
)

// ErrNilJob is returned when Run is called on a nil job receiver.
var ErrNilJob = errors.New("cron job is nil")

// ErrJobNameRequired is returned when a job name is empty or whitespace.
var ErrJobNameRequired = errors.New("job name is empty")

// ErrScheduleRequired is returned when a job is built without a schedule.
var ErrScheduleRequired = errors.New("job schedule is required")

// ErrJobFuncRequired is returned when a job is built without a function.
var ErrJobFuncRequired = errors.New("job function is required")

// Job runs a function on a Schedule, each run driven by a retry policy.
// A run that exhausts its retry budget is logged and the job keeps
// ticking. Runs never overlap: the next tick is computed after the
// current run finishes, so a run that overruns its slot skips it.
//
// Job.Run satisfies retry.Task, so jobs plug directly into a
// retry.Supervisor.
type Job struct {
	name     string
	schedule Schedule
	fn       retry.Operation
	policy   retry.Policy
	delay    backoff.DelayFunc
	now      func() time.Time
}

// JobOption mutates job configuration at construction.
type JobOption func(*Job)

// WithJobPolicy sets the retry policy applied to each scheduled run. The
// policy's Component is replaced with the job name. Defaults to Quick().
func WithJobPolicy(policy retry.Policy) JobOption {
	return func(job *Job) {
		job.policy = policy
	}
}

// WithDelayFunc replaces the suspension primitive used to wait for the
// next tick. Tests inject instant stubs here.
func WithDelayFunc(delay backoff.DelayFunc) JobOption {
	return func(job *Job) {
		if delay != nil {
			job.delay = delay
		}
	}
}

// WithNowFunc replaces the clock used to anchor tick calculations.
func WithNowFunc(now func() time.Time) JobOption {
	return func(job *Job) {
		if now != nil {
			job.now = now
		}
	}
}

// NewJob builds a Job that runs fn according to sched.
func NewJob(name string, sched Schedule, fn retry.Operation, opts ...JobOption) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrJobNameRequired
	}

	if nilcheck.Interface(sched) {
		return nil, fmt.Errorf("job %q: %w", name, ErrScheduleRequired)
	}

	if fn == nil {
		return nil, fmt.Errorf("job %q: %w", name, ErrJobFuncRequired)
	}

	job := &Job{
		name:     name,
		schedule: sched,
		fn:       fn,
		policy:   retry.Quick(),
		delay:    backoff.WaitContext,
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(job)
		}
	}

	return job, nil
}

// Run executes the job loop: wait for the next tick, run the function
// under the retry policy, repeat. Run returns nil when ctx ends, and an
// error only when the schedule cannot produce a next time or the wait
// fails for a reason other than cancellation.
func (job *Job) Run(ctx context.Context) error {
	if job == nil {
		return ErrNilJob
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger, _, _, _ := retry.NewTrackingFromContext(ctx)

	policy := job.policy
	policy.Component = job.name

	for {
		next, err := job.schedule.Next(job.now())
		if err != nil {
			return fmt.Errorf("job %q: %w", job.name, err)
		}

		if waitErr := job.delay(ctx, next.Sub(job.now())); waitErr != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("job %q: %w", job.name, waitErr)
		}

		if runErr := retry.Do(ctx, policy, job.fn); runErr != nil {
			if ctx.Err() != nil {
				return nil
			}

			logger.Log(ctx, log.LevelWarn, "scheduled run failed",
				log.String("job", job.name),
				log.Err(runErr))
		}
	}
}
