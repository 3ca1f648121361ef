package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"kanban-ai/internal/domain"
	"kanban-ai/internal/infra/metrics"
	"kanban-ai/internal/infra/tracer"
	"kanban-ai/internal/usecase/trigger"
)

// DefaultHistoryLimit is how many execution records an instruction keeps.
const DefaultHistoryLimit = 50

// ExecutionResult is the outcome of one instruction run.
type ExecutionResult struct {
	Record       domain.ExecutionRecord
	CardsSkipped int
	Changes      []domain.CardChange
	// Err is the action failure, if any. It is also in Record.Error.
	Err error
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	HistoryLimit  int           // 0 means DefaultHistoryLimit
	ActionTimeout time.Duration // 0 means no limit beyond the caller's context
}

// Dispatcher runs instruction actions through an AutomationContext and does
// the bookkeeping. At most one run per instruction is in flight at a time.
type Dispatcher struct {
	generator     domain.Generator
	historyLimit  int
	actionTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics

	running sync.Map // instruction ID -> struct{}
}

// NewDispatcher creates a dispatcher that delegates content decisions to gen.
func NewDispatcher(gen domain.Generator, cfg DispatcherConfig, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Dispatcher{
		generator:     gen,
		historyLimit:  cfg.HistoryLimit,
		actionTimeout: cfg.ActionTimeout,
		now:           time.Now,
		logger:        logger,
		metrics:       m,
	}
}

// IsRunning reports whether an execution of instructionID is in flight.
func (d *Dispatcher) IsRunning(instructionID string) bool {
	_, ok := d.running.Load(instructionID)
	return ok
}

// acquire takes the running token for id. The check and the set are one
// atomic step, so concurrent stimuli for the same instruction cannot both
// pass.
func (d *Dispatcher) acquire(id string) (release func(), ok bool) {
	if _, loaded := d.running.LoadOrStore(id, struct{}{}); loaded {
		return nil, false
	}
	return func() { d.running.Delete(id) }, true
}

// Execute runs ic now. It returns domain.ErrInstructionRunning when another
// run of the same instruction holds the token. Action failures do not
// produce an error; they are reported in the result.
func (d *Dispatcher) Execute(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, actx domain.AutomationContext) (ExecutionResult, error) {
	release, ok := d.acquire(ic.ID)
	if !ok {
		return ExecutionResult{}, domain.NewDomainError("Dispatcher.Execute", domain.ErrInstructionRunning, ic.ID)
	}
	defer release()
	return d.run(ctx, ic, stim, actx), nil
}

// ExecuteGuarded takes the running token, then re-reads the instruction and
// passes it to check before running it. A permission granted before the token
// was held is therefore never trusted. check may be nil.
func (d *Dispatcher) ExecuteGuarded(ctx context.Context, instructionID string, stim domain.Stimulus, actx domain.AutomationContext, check func(domain.InstructionCard) error) (ExecutionResult, error) {
	release, ok := d.acquire(instructionID)
	if !ok {
		return ExecutionResult{}, domain.NewDomainError("Dispatcher.ExecuteGuarded", domain.ErrInstructionRunning, instructionID)
	}
	defer release()

	ic, found := actx.InstructionCard(instructionID)
	if !found {
		return ExecutionResult{}, domain.NewDomainError("Dispatcher.ExecuteGuarded", domain.ErrInstructionNotFound, instructionID)
	}
	if check != nil {
		if err := check(ic); err != nil {
			return ExecutionResult{}, err
		}
	}
	return d.run(ctx, ic, stim, actx), nil
}

func (d *Dispatcher) run(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, actx domain.AutomationContext) ExecutionResult {
	start := d.now()

	actx.SetInstructionRunning(ic.ID, true)
	d.metrics.IncRunning()
	defer func() {
		actx.SetInstructionRunning(ic.ID, false)
		d.metrics.DecRunning()
	}()

	ctx, span := tracer.StartSpan(ctx, "automation.execute",
		trace.WithAttributes(
			tracer.StringAttr("instruction.id", ic.ID),
			tracer.StringAttr("instruction.action", string(ic.Action)),
			tracer.StringAttr("triggered_by", string(stim.TriggeredBy)),
		),
	)
	defer span.End()

	actionCtx, cancel := d.actionContext(ctx, actx.GetAIAbortSignal())
	defer cancel()
	actionCtx = domain.ContextWithInstructionID(actionCtx, ic.ID)

	actx.StartAIOperation(ic.ID, ic.Title)
	out, err := d.perform(actionCtx, ic, stim, actx)
	actx.CompleteAIOperation(ic.ID)

	if err != nil && errors.Is(context.Cause(actionCtx), domain.ErrAborted) {
		err = domain.NewDomainError("Dispatcher.run", domain.ErrAborted, err.Error())
	}

	res := ExecutionResult{
		CardsSkipped: out.skipped,
		Changes:      out.changes,
		Err:          err,
		Record: domain.ExecutionRecord{
			ID:          domain.NewID(start),
			Timestamp:   start,
			TriggeredBy: stim.TriggeredBy,
			Success:     err == nil,
		},
	}
	if err == nil {
		res.Record.CardsAffected = out.affected
		span.SetAttributes(tracer.IntAttr("cards.affected", out.affected))
		tracer.SetOK(span)
	} else {
		res.Record.Error = err.Error()
		tracer.RecordError(span, err)
		d.logger.Warn("instruction execution failed",
			"instruction", ic.ID,
			"action", ic.Action,
			"triggered_by", stim.TriggeredBy,
			"code", domain.ErrorCodeOf(err),
			"error", err,
		)
	}

	// Bookkeeping must land even if the run was aborted.
	bookCtx := context.WithoutCancel(ctx)
	d.commit(bookCtx, ic, res.Record, start, actx)
	d.recordRun(bookCtx, ic, stim, res, start, actx)
	if res.Record.Success && res.Record.CardsAffected > 0 {
		d.announce(bookCtx, ic, stim, out, actx)
	}

	elapsed := d.now().Sub(start)
	d.metrics.ObserveExecution(string(ic.Action), res.Record.Success, elapsed)
	d.logger.Info("instruction executed",
		"instruction", ic.ID,
		"action", ic.Action,
		"triggered_by", stim.TriggeredBy,
		"success", res.Record.Success,
		"cards_affected", res.Record.CardsAffected,
		"cards_skipped", res.CardsSkipped,
		"duration", elapsed,
	)
	return res
}

// actionContext derives the context handed to the action: cancelled by the
// abort signal with domain.ErrAborted as cause, and bounded by the action
// timeout.
func (d *Dispatcher) actionContext(ctx context.Context, abort <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(ctx)
	if abort != nil {
		go func() {
			select {
			case <-abort:
				cancelCause(domain.ErrAborted)
			case <-ctx.Done():
			}
		}()
	}
	if d.actionTimeout <= 0 {
		return ctx, func() { cancelCause(nil) }
	}
	tctx, cancelTimeout := context.WithTimeout(ctx, d.actionTimeout)
	return tctx, func() {
		cancelTimeout()
		cancelCause(nil)
	}
}

// commit writes the execution record and counters back to the instruction.
func (d *Dispatcher) commit(ctx context.Context, ic domain.InstructionCard, rec domain.ExecutionRecord, now time.Time, actx domain.AutomationContext) {
	err := actx.UpdateInstructionCard(ctx, ic.ID, func(c *domain.InstructionCard) {
		history := make([]domain.ExecutionRecord, 0, min(len(c.ExecutionHistory)+1, d.historyLimit))
		history = append(history, rec)
		for _, r := range c.ExecutionHistory {
			if len(history) == d.historyLimit {
				break
			}
			history = append(history, r)
		}
		c.ExecutionHistory = history

		if rec.Success {
			last := now
			c.LastExecutedAt = &last
		}
		if c.DailyCountResetAt == nil || c.DailyCountResetAt.Before(domain.StartOfDay(now)) {
			reset := now
			c.DailyExecutionCount = 0
			c.DailyCountResetAt = &reset
		}
		c.DailyExecutionCount++
		c.NextScheduledRun = trigger.NextScheduledRun(*c, now)
	})
	if err != nil {
		d.logger.Error("failed to record execution on instruction",
			"instruction", ic.ID,
			"error", err,
		)
	}
}

func (d *Dispatcher) recordRun(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, res ExecutionResult, start time.Time, actx domain.AutomationContext) {
	run := domain.InstructionRun{
		ID:               res.Record.ID,
		InstructionID:    ic.ID,
		InstructionTitle: ic.Title,
		ChannelID:        stim.ChannelID,
		TriggeredBy:      stim.TriggeredBy,
		Success:          res.Record.Success,
		CardsAffected:    res.Record.CardsAffected,
		CardsSkipped:     res.CardsSkipped,
		Changes:          res.Changes,
		Error:            res.Record.Error,
		StartedAt:        start,
		Duration:         d.now().Sub(start),
	}
	if run.ChannelID == "" {
		run.ChannelID = ic.ChannelID
	}
	if err := actx.RecordInstructionRun(ctx, run); err != nil {
		d.logger.Warn("failed to record instruction run",
			"instruction", ic.ID,
			"error", err,
		)
	}
}

// announce posts a short activity message to the channel the run touched.
func (d *Dispatcher) announce(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, out actionOutcome, actx domain.AutomationContext) {
	channelID := out.channelID
	if channelID == "" {
		channelID = stim.ChannelID
	}
	if channelID == "" {
		return
	}
	verb := map[domain.InstructionAction]string{
		domain.ActionGenerate: "created",
		domain.ActionModify:   "updated",
		domain.ActionMove:     "moved",
	}[ic.Action]
	msg := domain.Message{
		ID:        domain.NewID(d.now()),
		ChannelID: channelID,
		Author:    "automation",
		Content:   fmt.Sprintf("%q %s %d card(s) (%s)", ic.Title, verb, out.affected, stim.TriggeredBy),
		CreatedAt: d.now(),
	}
	if err := actx.AddMessage(ctx, msg); err != nil {
		d.logger.Debug("failed to post automation message", "instruction", ic.ID, "error", err)
	}
}

// perform dispatches on the instruction's action, recovering panics from the
// action into errors.
func (d *Dispatcher) perform(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, actx domain.AutomationContext) (out actionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewDomainError("Dispatcher.perform", domain.ErrActionFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	if d.generator == nil && ic.Action != domain.ActionMove {
		return out, domain.NewDomainError("Dispatcher.perform", domain.ErrActionFailed, "no generator configured")
	}

	switch ic.Action {
	case domain.ActionGenerate:
		return d.generate(ctx, ic, stim, actx)
	case domain.ActionModify:
		return d.modify(ctx, ic, stim, actx)
	case domain.ActionMove:
		return d.move(ctx, ic, stim, actx)
	default:
		return out, domain.NewDomainError("Dispatcher.perform", domain.ErrUnknownAction, string(ic.Action))
	}
}
