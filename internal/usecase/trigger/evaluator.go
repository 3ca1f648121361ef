// Package trigger decides which instruction cards are candidates to run.
//
// The evaluators are pure: they read the instructions and the stimulus they
// are given and never mutate state or fail. Malformed triggers and unknown
// column references simply never match.
package trigger

import (
	"time"

	"kanban-ai/internal/domain"
)

// Match is one instruction whose trigger condition is satisfied.
type Match struct {
	Instruction domain.InstructionCard
	Trigger     domain.AutomaticTrigger
	TriggeredBy domain.TriggerType
}

// EvaluateScheduled returns the enabled automatic instructions with at least
// one scheduled trigger due at now.
func EvaluateScheduled(now time.Time, instructions []domain.InstructionCard) []Match {
	var out []Match
	for _, ic := range instructions {
		if !ic.IsAutomatic() {
			continue
		}
		for _, t := range ic.TriggersOf(domain.TriggerScheduled) {
			if t.Scheduled == nil {
				continue
			}
			if IsDue(*t.Scheduled, ic.LastExecutedAt, now) {
				out = append(out, Match{Instruction: ic, Trigger: t, TriggeredBy: domain.TriggerScheduled})
				break
			}
		}
	}
	return out
}

// EvaluateEvent returns the enabled automatic instructions in the event's
// channel with an event trigger for the event's type and column. An
// instruction reacting to an event it produced itself is dropped when it
// prevents loops.
func EvaluateEvent(event domain.CardEvent, instructions []domain.InstructionCard) []Match {
	want, ok := eventTriggerFor(event.Type)
	if !ok {
		return nil
	}
	column := event.RelevantColumn()
	if column == "" {
		return nil
	}

	var out []Match
	for _, ic := range instructions {
		if !ic.IsAutomatic() || !ic.InScope(event.ChannelID) {
			continue
		}
		if IsSelfTriggered(ic, event.CreatedByInstructionID) {
			continue
		}
		for _, t := range ic.TriggersOf(domain.TriggerEvent) {
			if t.Event == nil {
				continue
			}
			if t.Event.EventType == want && t.Event.ColumnID == column {
				out = append(out, Match{Instruction: ic, Trigger: t, TriggeredBy: domain.TriggerEvent})
				break
			}
		}
	}
	return out
}

// EvaluateThreshold returns the enabled automatic instructions in channelID
// whose threshold trigger is satisfied by the live column counts. Columns
// absent from counts never match.
func EvaluateThreshold(channelID string, counts map[string]int, instructions []domain.InstructionCard) []Match {
	var out []Match
	for _, ic := range instructions {
		if !ic.IsAutomatic() || !ic.InScope(channelID) {
			continue
		}
		for _, t := range ic.TriggersOf(domain.TriggerThreshold) {
			if t.Threshold == nil {
				continue
			}
			count, ok := counts[t.Threshold.ColumnID]
			if !ok {
				continue
			}
			if compare(t.Threshold.Operator, count, t.Threshold.Threshold) {
				out = append(out, Match{Instruction: ic, Trigger: t, TriggeredBy: domain.TriggerThreshold})
				break
			}
		}
	}
	return out
}

// IsSelfTriggered reports whether ic would react to its own output.
func IsSelfTriggered(ic domain.InstructionCard, sourceInstructionID string) bool {
	return ic.Safeguards.PreventLoops && sourceInstructionID != "" && sourceInstructionID == ic.ID
}

func eventTriggerFor(t domain.CardEventType) (domain.EventTriggerType, bool) {
	switch t {
	case domain.CardMoved:
		return domain.EventCardMovedTo, true
	case domain.CardCreated:
		return domain.EventCardCreatedIn, true
	case domain.CardModified:
		return domain.EventCardModified, true
	}
	return "", false
}

func compare(op domain.ThresholdOperator, count, threshold int) bool {
	switch op {
	case domain.OperatorBelow:
		return count < threshold
	case domain.OperatorAbove:
		return count > threshold
	}
	return false
}
