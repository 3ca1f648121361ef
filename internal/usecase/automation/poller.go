package automation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kanban-ai/internal/usecase/scheduling"
)

// Poller defaults.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultStartupDelay = 2 * time.Second
)

const pollJobName = "scheduled-triggers"

type scheduledRunner interface {
	InitializeScheduledTriggers(ctx context.Context) error
	RunScheduledTriggers(ctx context.Context) ([]ExecutionResult, error)
}

// PollerConfig tunes a Poller.
type PollerConfig struct {
	Interval     time.Duration // 0 means DefaultPollInterval
	StartupDelay time.Duration // negative means no delay; 0 means DefaultStartupDelay
	TickTimeout  time.Duration // bound on one pass; 0 means the scheduler default
}

// Poller is the only source of time-based stimuli. After a startup delay it
// runs one catch-up pass, then evaluates scheduled triggers every Interval.
type Poller struct {
	runner    scheduledRunner
	scheduler *scheduling.Scheduler
	interval  time.Duration
	delay     time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller driving runner, usually an *Engine.
func NewPoller(runner scheduledRunner, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	switch {
	case cfg.StartupDelay < 0:
		cfg.StartupDelay = 0
	case cfg.StartupDelay == 0:
		cfg.StartupDelay = DefaultStartupDelay
	}
	return &Poller{
		runner:    runner,
		scheduler: scheduling.NewScheduler(cfg.TickTimeout, logger),
		interval:  cfg.Interval,
		delay:     cfg.StartupDelay,
		logger:    logger,
	}
}

// Start launches the poller in the background. It returns immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	err := p.scheduler.AddJob(pollJobName, scheduling.NewConstantDelay(p.interval), func(ctx context.Context) error {
		_, err := p.runner.RunScheduledTriggers(ctx)
		return err
	})
	if err != nil {
		cancel()
		p.cancel = nil
		return err
	}

	go p.boot(ctx)
	p.logger.Info("scheduler poller started", "interval", p.interval, "startup_delay", p.delay)
	return nil
}

func (p *Poller) boot(ctx context.Context) {
	defer close(p.done)

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	p.initialPass(ctx)
	if ctx.Err() != nil {
		return
	}
	if err := p.scheduler.Start(ctx); err != nil {
		p.logger.Error("failed to start poll scheduler", "error", err)
	}
}

func (p *Poller) initialPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("initial scheduled pass panicked", "panic", r)
		}
	}()
	if err := p.runner.InitializeScheduledTriggers(ctx); err != nil {
		p.logger.Warn("initial scheduled pass failed", "error", err)
	}
}

// Stop halts polling and waits for a running pass to return.
func (p *Poller) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if err := p.scheduler.Stop(); err != nil {
		return err
	}
	if err := p.scheduler.RemoveJob(pollJobName); err != nil {
		return err
	}
	p.logger.Info("scheduler poller stopped")
	return nil
}
