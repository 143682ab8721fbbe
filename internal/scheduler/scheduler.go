// Package scheduler runs a job, typically the swarm session reset, on a cron
// or interval schedule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultPollInterval = 30 * time.Second

// Job is the scheduled work.
type Job func(ctx context.Context) error

// Status describes the last and next run.
type Status struct {
	Schedule  string     `json:"schedule,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int        `json:"runs"`
}

type Options struct {
	Name         string
	Job          Job
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Scheduler struct {
	name         string
	job          Job
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	reloadCh     chan struct{}

	mu       sync.Mutex
	schedule *Schedule
	status   Status
}

// New returns a scheduler with no schedule; it idles until UpdateSchedule
// installs one.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		name:         opts.Name,
		job:          opts.Job,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		now:          time.Now,
		reloadCh:     make(chan struct{}, 1),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("job", s.name)
	return s
}

// UpdateSchedule parses raw and replaces the schedule. An empty string
// disables the job.
func (s *Scheduler) UpdateSchedule(raw string) error {
	var sched *Schedule
	if raw != "" {
		parsed, err := Parse(raw)
		if err != nil {
			return err
		}
		sched = &parsed
	}

	s.mu.Lock()
	s.schedule = sched
	s.status.Schedule = ""
	s.status.NextRun = nil
	if sched != nil {
		s.status.Schedule = sched.String()
		s.status.NextRun = sched.Next(s.now())
	}
	next := s.status.NextRun
	s.mu.Unlock()

	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
	s.logger.Info("schedule updated", "schedule", raw, "next_run", next)
	return nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start blocks until ctx ends, polling for due runs.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll runs the job if it is due and computes the next run.
func (s *Scheduler) poll(ctx context.Context) bool {
	now := s.now()

	s.mu.Lock()
	sched := s.schedule
	next := s.status.NextRun
	s.mu.Unlock()

	if sched == nil || next == nil || now.Before(*next) {
		return false
	}

	s.logger.Info("running scheduled job", "schedule", sched.String())
	err := s.job(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule != sched {
		// replaced while running
		return true
	}
	s.status.Runs++
	s.status.LastRun = &now
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
		s.logger.Error("scheduled job failed", "error", err)
	}
	s.status.NextRun = sched.Next(now)
	if s.status.NextRun == nil {
		s.logger.Info("no next run, schedule completed")
	}
	return true
}
