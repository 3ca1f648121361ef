// Package safeguard decides whether a matched instruction may run now.
package safeguard

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"kanban-ai/internal/domain"
)

// Reason names the safeguard that denied a run.
type Reason string

const (
	ReasonCooldown    Reason = "cooldown"
	ReasonDailyCap    Reason = "daily_cap"
	ReasonLoop        Reason = "loop"
	ReasonRateLimited Reason = "rate_limited"
)

// Decision is the outcome of a gate check. Detail is human-readable.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

var allow = Decision{Allowed: true}

func deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Err returns nil for an allowed decision and a *DeniedError otherwise.
func (d Decision) Err(instructionID string) error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{InstructionID: instructionID, Reason: d.Reason, Detail: d.Detail}
}

// DeniedError reports a safeguard denial. It matches domain.ErrLimitReached.
type DeniedError struct {
	InstructionID string
	Reason        Reason
	Detail        string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("instruction %s denied (%s): %s", e.InstructionID, e.Reason, e.Detail)
}

func (e *DeniedError) Unwrap() error { return domain.ErrLimitReached }

// Permits runs the declarative safeguards of ic against stim, in order:
// cooldown, daily cap, loop prevention. It reads only the instruction and
// the stimulus, so every call is evaluated fresh.
func Permits(ic domain.InstructionCard, now time.Time, stim domain.Stimulus) Decision {
	sg := ic.Safeguards

	if sg.CooldownMinutes > 0 && ic.LastExecutedAt != nil {
		cooldown := time.Duration(sg.CooldownMinutes) * time.Minute
		if elapsed := now.Sub(*ic.LastExecutedAt); elapsed < cooldown {
			return deny(ReasonCooldown, "last run %s ago, cooldown %s",
				elapsed.Truncate(time.Second), cooldown)
		}
	}

	if sg.DailyCap > 0 {
		if n := ic.EffectiveDailyCount(now); n >= sg.DailyCap {
			return deny(ReasonDailyCap, "%d of %d runs used today", n, sg.DailyCap)
		}
	}

	if sg.PreventLoops {
		if stim.SourceInstructionID != "" && stim.SourceInstructionID == ic.ID {
			return deny(ReasonLoop, "stimulus produced by this instruction")
		}
		if stim.Card != nil {
			if stim.Card.CreatedByInstructionID == ic.ID {
				return deny(ReasonLoop, "card %s was created by this instruction", stim.Card.ID)
			}
			if ic.Action == domain.ActionModify && stim.Card.IsProcessedBy(ic.ID) {
				return deny(ReasonLoop, "card %s already processed since its last change", stim.Card.ID)
			}
		}
	}

	return allow
}

// Gate applies the per-instruction safeguards plus an optional global
// execution rate shared by all instructions.
type Gate struct {
	limiter *rate.Limiter
}

// NewGate creates a gate. maxPerMinute <= 0 disables the global rate limit.
func NewGate(maxPerMinute int) *Gate {
	g := &Gate{}
	if maxPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(maxPerMinute)), maxPerMinute)
	}
	return g
}

// Permits checks the declarative safeguards first; only an allowed
// candidate consumes a rate token.
func (g *Gate) Permits(ic domain.InstructionCard, now time.Time, stim domain.Stimulus) Decision {
	if d := Permits(ic, now, stim); !d.Allowed {
		return d
	}
	if g != nil && g.limiter != nil && !g.limiter.AllowN(now, 1) {
		return deny(ReasonRateLimited, "global limit of %d runs per minute reached", g.limiter.Burst())
	}
	return allow
}
