package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the body of a periodic job.
type JobFunc func(ctx context.Context) error

// Scheduler runs named jobs on cron schedules. A panicking or failing job is
// logged and does not affect later runs or other jobs.
type Scheduler struct {
	cron       *cron.Cron
	entries    map[string]cron.EntryID
	jobTimeout time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewScheduler creates a scheduler. jobTimeout bounds each run; 0 means 5 minutes.
func NewScheduler(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:       cron.New(),
		entries:    make(map[string]cron.EntryID),
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// AddJob schedules fn under name.
func (s *Scheduler) AddJob(name string, schedule cron.Schedule, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("scheduler: job %q already exists", name)
	}
	if schedule == nil {
		return fmt.Errorf("scheduler: job %q has no schedule", name)
	}

	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.runJob(name, fn)
	}))
	s.logger.Info("job added to scheduler", "name", name)
	return nil
}

func (s *Scheduler) runJob(name string, fn JobFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if ctx == nil {
		s.logger.Debug("scheduler stopped, skipping job", "job", name)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "job", name, "panic", r)
		}
	}()

	if err := fn(jobCtx); err != nil {
		s.logger.Warn("scheduled job failed",
			"job", name,
			"error", err,
			"duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job completed",
		"job", name,
		"duration", time.Since(start))
}

// RemoveJob unschedules a job by name.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: job %q not found", name)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	s.logger.Info("job removed from scheduler", "name", name)
	return nil
}

// Start begins running scheduled jobs. Jobs receive contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	// Wait outside the lock: running jobs read s.ctx under it.
	<-s.cron.Stop().Done()
	return nil
}

// NewConstantDelay returns a schedule that fires every d after the given time.
func NewConstantDelay(d time.Duration) cron.Schedule {
	return &constantDelay{delay: d}
}

// NewTimeOfDay returns a schedule firing at hour:minute in loc, every day or,
// when weekday is non-nil, only on that weekday.
func NewTimeOfDay(hour, minute int, weekday *time.Weekday, loc *time.Location) (cron.Schedule, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("time of day out of range: %02d:%02d", hour, minute)
	}
	dow := "*"
	if weekday != nil {
		if *weekday < time.Sunday || *weekday > time.Saturday {
			return nil, fmt.Errorf("weekday out of range: %d", *weekday)
		}
		dow = fmt.Sprintf("%d", int(*weekday))
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %s", minute, hour, dow))
	if err != nil {
		return nil, err
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("unexpected schedule type %T", sched)
	}
	if loc == nil {
		loc = time.Local
	}
	spec.Location = loc
	return spec, nil
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
