// Package automation runs instruction cards without direct user action.
//
// The Engine wires the three stimulus sources (card events, threshold
// checks and scheduled ticks) through the trigger evaluator and the
// safeguard gate into the Dispatcher. All board access goes through the
// injected domain.AutomationContext.
package automation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kanban-ai/internal/domain"
	"kanban-ai/internal/infra/metrics"
	"kanban-ai/internal/usecase/safeguard"
	"kanban-ai/internal/usecase/trigger"
)

// Config tunes an Engine.
type Config struct {
	Dispatcher DispatcherConfig
	// MaxRunsPerMinute caps executions across all instructions. 0 disables it.
	MaxRunsPerMinute int
	// MaxConcurrent bounds parallel executions within one scheduled pass.
	// 0 means unbounded.
	MaxConcurrent int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for the engine and its dispatcher.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.dispatcher.now = now
	}
}

// Engine is the automation pipeline bound to one board.
type Engine struct {
	actx          domain.AutomationContext
	bus           domain.EventBus
	dispatcher    *Dispatcher
	gate          *safeguard.Gate
	maxConcurrent int
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics

	mu     sync.Mutex
	runCtx context.Context
	unsubs []func()
	wg     sync.WaitGroup
}

// NewEngine creates an engine. gen may be nil for boards that only use
// fixed-destination move instructions.
func NewEngine(actx domain.AutomationContext, bus domain.EventBus, gen domain.Generator, cfg Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		actx:          actx,
		bus:           bus,
		dispatcher:    NewDispatcher(gen, cfg.Dispatcher, logger, m),
		gate:          safeguard.NewGate(cfg.MaxRunsPerMinute),
		maxConcurrent: cfg.MaxConcurrent,
		now:           time.Now,
		logger:        logger,
		metrics:       m,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// Start subscribes the engine to the bus. Executions started by bus
// messages run under ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return
	}
	e.runCtx = ctx
	e.unsubs = append(e.unsubs,
		e.bus.SubscribeCardEvents(e.handleCardEvent),
		e.bus.SubscribeThresholdChecks(e.handleThresholdCheck),
	)
	e.logger.Info("automation engine started")
}

// Stop unsubscribes from the bus and waits for in-flight executions.
func (e *Engine) Stop() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.runCtx = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	e.wg.Wait()
	e.logger.Info("automation engine stopped")
}

// Wait blocks until executions started by bus messages have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// EmitCardEvent publishes a card lifecycle event. Missing ID and timestamp
// are filled in.
func (e *Engine) EmitCardEvent(ctx context.Context, event domain.CardEvent) {
	now := e.now()
	if event.ID == "" {
		event.ID = domain.NewID(now)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	e.bus.PublishCardEvent(ctx, event)
}

// CheckThresholds asks for re-evaluation of the threshold triggers of
// channelID. When ctx acts for an instruction, that instruction is recorded
// as the source of the change.
func (e *Engine) CheckThresholds(ctx context.Context, channelID string) {
	e.CheckThresholdsFrom(ctx, channelID, "")
}

// CheckThresholdsFrom is CheckThresholds for a change to a card produced by
// sourceInstructionID. The instruction ctx acts for takes precedence.
func (e *Engine) CheckThresholdsFrom(ctx context.Context, channelID, sourceInstructionID string) {
	if id := domain.InstructionIDFromContext(ctx); id != "" {
		sourceInstructionID = id
	}
	now := e.now()
	e.bus.PublishThresholdCheck(ctx, domain.ThresholdCheck{
		ID:                  domain.NewID(now),
		ChannelID:           channelID,
		SourceInstructionID: sourceInstructionID,
		Timestamp:           now,
	})
}

func (e *Engine) handleCardEvent(ctx context.Context, event domain.CardEvent) {
	matches := trigger.EvaluateEvent(event, e.actx.InstructionCards())
	for _, m := range matches {
		e.spawn(ctx, m, domain.Stimulus{
			TriggeredBy:         domain.TriggerEvent,
			ChannelID:           event.ChannelID,
			CardID:              event.CardID,
			SourceInstructionID: event.CreatedByInstructionID,
		})
	}
}

func (e *Engine) handleThresholdCheck(ctx context.Context, check domain.ThresholdCheck) {
	ch, ok := e.actx.Channel(check.ChannelID)
	if !ok {
		e.logger.Debug("threshold check for unknown channel", "channel", check.ChannelID)
		return
	}
	matches := trigger.EvaluateThreshold(ch.ID, ColumnCounts(ch, e.actx.Cards()), e.actx.InstructionCards())
	for _, m := range matches {
		e.spawn(ctx, m, domain.Stimulus{
			TriggeredBy:         domain.TriggerThreshold,
			ChannelID:           ch.ID,
			SourceInstructionID: check.SourceInstructionID,
		})
	}
}

// ColumnCounts counts the cards of each column of ch, including empty ones.
func ColumnCounts(ch domain.Channel, cards []domain.Card) map[string]int {
	counts := make(map[string]int, len(ch.Columns))
	for _, col := range ch.Columns {
		counts[col.ID] = 0
	}
	for _, c := range cards {
		if c.ChannelID != ch.ID {
			continue
		}
		if _, ok := counts[c.ColumnID]; ok {
			counts[c.ColumnID]++
		}
	}
	return counts
}

// spawn runs one match in the background so bus delivery is never blocked
// by an action.
func (e *Engine) spawn(ctx context.Context, m trigger.Match, stim domain.Stimulus) {
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("automation run panicked", "instruction", m.Instruction.ID, "panic", r)
			}
		}()
		e.dispatch(runCtx, m, stim)
	}()
}

// dispatch gates and executes a match. The gate runs only after the
// dispatcher holds the instruction's running token, against a fresh read of
// the instruction.
func (e *Engine) dispatch(ctx context.Context, m trigger.Match, stim domain.Stimulus) (ExecutionResult, bool) {
	e.metrics.IncMatch(string(m.TriggeredBy))

	res, err := e.dispatcher.ExecuteGuarded(ctx, m.Instruction.ID, stim, e.actx, func(ic domain.InstructionCard) error {
		if !ic.IsAutomatic() {
			return domain.NewDomainError("Engine.dispatch", domain.ErrDisabled, ic.ID)
		}
		gateStim := stim
		if stim.CardID != "" {
			if card, ok := e.actx.Card(stim.CardID); ok {
				gateStim.Card = &card
			}
		}
		d := e.gate.Permits(ic, e.now(), gateStim)
		if !d.Allowed {
			e.metrics.IncDenial(string(d.Reason))
			return d.Err(ic.ID)
		}
		return nil
	})
	if err != nil {
		var denied *safeguard.DeniedError
		switch {
		case errors.As(err, &denied):
			e.logger.Debug("instruction denied by safeguard",
				"instruction", m.Instruction.ID,
				"reason", denied.Reason,
				"detail", denied.Detail,
				"triggered_by", m.TriggeredBy,
			)
		case errors.Is(err, domain.ErrInstructionRunning):
			e.logger.Debug("instruction already running", "instruction", m.Instruction.ID)
		default:
			e.logger.Debug("instruction not dispatched", "instruction", m.Instruction.ID, "error", err)
		}
		return ExecutionResult{}, false
	}
	return res, true
}

// RunScheduledTriggers evaluates scheduled triggers at the current time and
// executes every permitted match, different instructions in parallel. It
// returns the results of the runs that took place.
func (e *Engine) RunScheduledTriggers(ctx context.Context) ([]ExecutionResult, error) {
	matches := trigger.EvaluateScheduled(e.now(), e.actx.InstructionCards())
	if len(matches) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		results []ExecutionResult
		g       errgroup.Group
	)
	if e.maxConcurrent > 0 {
		g.SetLimit(e.maxConcurrent)
	}
	for _, m := range matches {
		g.Go(func() error {
			res, ran := e.dispatch(ctx, m, domain.Stimulus{
				TriggeredBy: domain.TriggerScheduled,
				ChannelID:   m.Instruction.ChannelID,
			})
			if ran {
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// InitializeScheduledTriggers refreshes every instruction's cached
// NextScheduledRun and runs the triggers that came due while the process was
// not running.
func (e *Engine) InitializeScheduledTriggers(ctx context.Context) error {
	now := e.now()
	for _, ic := range e.actx.InstructionCards() {
		next := trigger.NextScheduledRun(ic, now)
		if sameTime(next, ic.NextScheduledRun) {
			continue
		}
		err := e.actx.UpdateInstructionCard(ctx, ic.ID, func(c *domain.InstructionCard) {
			c.NextScheduledRun = trigger.NextScheduledRun(*c, now)
		})
		if err != nil {
			e.logger.Warn("failed to refresh next scheduled run", "instruction", ic.ID, "error", err)
		}
	}

	results, err := e.RunScheduledTriggers(ctx)
	if len(results) > 0 {
		e.logger.Info("caught up on scheduled triggers", "executed", len(results))
	}
	return err
}

// RunNow executes an instruction on user request, regardless of its run mode
// and triggers. Safeguards do not apply; the running token does.
func (e *Engine) RunNow(ctx context.Context, instructionID string) (ExecutionResult, error) {
	return e.dispatcher.ExecuteGuarded(ctx, instructionID, domain.Stimulus{TriggeredBy: domain.TriggerManual}, e.actx, nil)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
