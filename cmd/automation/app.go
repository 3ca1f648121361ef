package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kanban-ai/internal/adapter/board"
	"kanban-ai/internal/adapter/llm"
	"kanban-ai/internal/adapter/runlog"
	"kanban-ai/internal/domain"
	"kanban-ai/internal/infra/config"
	"kanban-ai/internal/infra/metrics"
	"kanban-ai/internal/usecase/automation"
	"kanban-ai/internal/usecase/eventbus"
	"kanban-ai/internal/usecase/scheduling"
)

const (
	pruneJobName  = "runlog-prune"
	pruneInterval = time.Hour
)

// app is the wired automation stack.
type app struct {
	cfg         *config.Config
	log         *slog.Logger
	board       *board.Store
	runs        *runlog.Store
	bus         *eventbus.Bus
	engine      *automation.Engine
	poller      *automation.Poller
	maintenance *scheduling.Scheduler
	metrics     *http.Server
	now         func() time.Time
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, now: time.Now}

	var opts []board.Option
	if cfg.Store.RunLogPath != "" {
		runs, err := runlog.Open(cfg.Store.RunLogPath)
		if err != nil {
			return nil, fmt.Errorf("run log: %w", err)
		}
		a.runs = runs
		opts = append(opts, board.WithRunRecorder(runs))
	}

	store, err := board.NewStore(cfg.Store.BoardFile, log, opts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.board = store

	gen, err := buildGenerator(cfg.LLM, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("generator: %w", err)
	}

	m := metrics.Default()
	a.bus = eventbus.New(log, cfg.Automation.DedupCacheSize)
	a.engine = automation.NewEngine(store, a.bus, gen, automation.Config{
		Dispatcher: automation.DispatcherConfig{
			HistoryLimit:  cfg.Automation.HistoryLimit,
			ActionTimeout: cfg.Automation.ActionTimeout,
		},
		MaxRunsPerMinute: cfg.Automation.MaxRunsPerMinute,
		MaxConcurrent:    cfg.Automation.MaxConcurrent,
	}, log, m)
	store.SetNotifier(a.engine)

	startupDelay := cfg.Automation.StartupDelay
	if startupDelay == 0 {
		startupDelay = -1
	}
	a.poller = automation.NewPoller(a.engine, automation.PollerConfig{
		Interval:     cfg.Automation.PollInterval,
		StartupDelay: startupDelay,
		TickTimeout:  cfg.Automation.TickTimeout,
	}, log)

	if a.runs != nil && cfg.Store.RunLogRetention > 0 {
		a.maintenance = scheduling.NewScheduler(time.Minute, log)
		if err := a.maintenance.AddJob(pruneJobName, scheduling.NewConstantDelay(pruneInterval), a.pruneRunLog); err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		a.metrics = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return a, nil
}

// buildGenerator returns the configured generator, behind a circuit breaker
// when enabled.
func buildGenerator(cfg config.LLMConfig, log *slog.Logger) (domain.Generator, error) {
	var gen domain.Generator
	switch cfg.Provider {
	case "static":
		return llm.NewStaticGenerator(), nil
	case "openai", "":
		oai, err := llm.NewOpenAIGenerator(cfg, log)
		if err != nil {
			return nil, err
		}
		gen = oai
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if cfg.CircuitBreaker.Enabled {
		gen = llm.NewCircuitBreakerGenerator(gen, cfg.CircuitBreaker, log)
	}
	return gen, nil
}

// serve runs the engine and poller until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	a.engine.Start(ctx)

	if a.metrics != nil {
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server error", "error", err)
			}
		}()
	}

	if a.maintenance != nil {
		if err := a.pruneRunLog(ctx); err != nil {
			a.log.Warn("run log prune failed", "error", err)
		}
		if err := a.maintenance.Start(ctx); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
	}

	if a.cfg.Automation.Enabled {
		if err := a.poller.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	} else {
		a.log.Warn("scheduled triggers disabled by config")
	}

	a.log.Info("automation engine started",
		"board", a.cfg.Store.BoardFile,
		"instructions", len(a.board.InstructionCards()),
		"poll_interval", a.cfg.Automation.PollInterval,
		"provider", a.cfg.LLM.Provider,
	)
	<-ctx.Done()
	a.log.Info("shutting down")
	return nil
}

// pruneRunLog deletes runs older than the configured retention.
func (a *app) pruneRunLog(ctx context.Context) error {
	cutoff := a.now().Add(-a.cfg.Store.RunLogRetention)
	n, err := a.runs.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("pruned run log", "removed", n, "cutoff", cutoff)
	}
	return nil
}

// close stops everything newApp and serve started, in reverse order.
// In-flight generator calls are aborted rather than awaited.
func (a *app) close() {
	if a.maintenance != nil {
		if err := a.maintenance.Stop(); err != nil {
			a.log.Warn("maintenance stop", "error", err)
		}
	}
	if a.poller != nil {
		if err := a.poller.Stop(); err != nil {
			a.log.Warn("poller stop", "error", err)
		}
	}
	if a.board != nil {
		a.board.Abort()
	}
	if a.engine != nil {
		a.engine.Stop()
		a.engine.Wait()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.metrics.Shutdown(ctx)
	}
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			a.log.Warn("run log close", "error", err)
		}
	}
}
