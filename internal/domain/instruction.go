package domain

import "time"

// InstructionAction is what an instruction card does to the board when it runs.
type InstructionAction string

const (
	ActionGenerate InstructionAction = "generate"
	ActionModify   InstructionAction = "modify"
	ActionMove     InstructionAction = "move"
)

// RunMode controls whether the automation engine may run an instruction.
type RunMode string

const (
	RunModeManual    RunMode = "manual"
	RunModeAutomatic RunMode = "automatic"
)

// TargetType selects which part of a channel an instruction writes to.
type TargetType string

const (
	TargetColumn  TargetType = "column"
	TargetColumns TargetType = "columns"
	TargetBoard   TargetType = "board"
)

// InstructionTarget is where an instruction writes.
type InstructionTarget struct {
	Type      TargetType `json:"type"`
	ColumnID  string     `json:"column_id,omitempty"`
	ColumnIDs []string   `json:"column_ids,omitempty"`
}

// TriggerType identifies which kind of stimulus caused a run.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerThreshold TriggerType = "threshold"
	// TriggerManual marks runs started by a user rather than a trigger.
	TriggerManual TriggerType = "manual"
)

// ScheduleInterval is the cadence of a scheduled trigger.
type ScheduleInterval string

const (
	IntervalHourly      ScheduleInterval = "hourly"
	IntervalEvery4Hours ScheduleInterval = "every4hours"
	IntervalDaily       ScheduleInterval = "daily"
	IntervalWeekly      ScheduleInterval = "weekly"
)

// ScheduledTrigger fires when wall-clock time passes the next computed occurrence.
type ScheduledTrigger struct {
	Interval     ScheduleInterval `json:"interval"`
	SpecificTime string           `json:"specific_time,omitempty"` // "HH:mm", local to the evaluating clock
	DayOfWeek    *int             `json:"day_of_week,omitempty"`   // 0 = Sunday
}

// EventTriggerType is the card lifecycle transition an event trigger listens for.
type EventTriggerType string

const (
	EventCardMovedTo   EventTriggerType = "card_moved_to"
	EventCardCreatedIn EventTriggerType = "card_created_in"
	EventCardModified  EventTriggerType = "card_modified"
)

// EventTrigger fires when a matching card event is observed for ColumnID.
type EventTrigger struct {
	EventType EventTriggerType `json:"event_type"`
	ColumnID  string           `json:"column_id"`
}

// ThresholdOperator compares a live column count against a threshold.
type ThresholdOperator string

const (
	OperatorBelow ThresholdOperator = "below"
	OperatorAbove ThresholdOperator = "above"
)

// ThresholdTrigger fires on an explicit threshold check when the column's
// card count satisfies the comparison.
type ThresholdTrigger struct {
	ColumnID  string            `json:"column_id"`
	Operator  ThresholdOperator `json:"operator"`
	Threshold int               `json:"threshold"`
}

// AutomaticTrigger is a tagged union: exactly one of Scheduled, Event or
// Threshold is set, matching Type.
type AutomaticTrigger struct {
	Type      TriggerType       `json:"type"`
	Scheduled *ScheduledTrigger `json:"scheduled,omitempty"`
	Event     *EventTrigger     `json:"event,omitempty"`
	Threshold *ThresholdTrigger `json:"threshold,omitempty"`
}

// AutomaticSafeguards limit how often an instruction may run on its own.
type AutomaticSafeguards struct {
	CooldownMinutes int  `json:"cooldown_minutes"` // <= 0 disables the cooldown
	DailyCap        int  `json:"daily_cap"`        // <= 0 disables the cap
	PreventLoops    bool `json:"prevent_loops"`
}

// DefaultSafeguards returns the safeguards a new instruction starts with.
func DefaultSafeguards() AutomaticSafeguards {
	return AutomaticSafeguards{
		CooldownMinutes: 5,
		DailyCap:        50,
		PreventLoops:    true,
	}
}

// ExecutionRecord is one immutable entry of an instruction's run history.
type ExecutionRecord struct {
	ID            string      `json:"id"`
	Timestamp     time.Time   `json:"timestamp"`
	TriggeredBy   TriggerType `json:"triggered_by"`
	Success       bool        `json:"success"`
	CardsAffected int         `json:"cards_affected"`
	Error         string      `json:"error,omitempty"`
}

// InstructionCard is a stored automation rule bound to one channel, or to
// every channel when ChannelID is empty.
type InstructionCard struct {
	ID             string            `json:"id"`
	ChannelID      string            `json:"channel_id,omitempty"`
	Title          string            `json:"title"`
	Instructions   string            `json:"instructions"`
	Action         InstructionAction `json:"action"`
	Target         InstructionTarget `json:"target"`
	ContextColumns []string          `json:"context_columns,omitempty"`
	CardCount      int               `json:"card_count,omitempty"`

	// Move settings. With MoveTargetColumnID set every candidate card goes
	// there; otherwise the generator decides per card.
	MoveTargetColumnID string `json:"move_target_column_id,omitempty"`
	MoveFilterTag      string `json:"move_filter_tag,omitempty"`

	RunMode    RunMode             `json:"run_mode"`
	IsEnabled  bool                `json:"is_enabled"`
	Triggers   []AutomaticTrigger  `json:"triggers,omitempty"`
	Safeguards AutomaticSafeguards `json:"safeguards"`

	LastExecutedAt      *time.Time        `json:"last_executed_at,omitempty"`
	NextScheduledRun    *time.Time        `json:"next_scheduled_run,omitempty"`
	DailyExecutionCount int               `json:"daily_execution_count"`
	DailyCountResetAt   *time.Time        `json:"daily_count_reset_at,omitempty"`
	ExecutionHistory    []ExecutionRecord `json:"execution_history,omitempty"` // most recent first

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInstructionCard returns an instruction with automation defaults:
// manual, disabled, default safeguards, no history.
func NewInstructionCard(id, channelID, title string, action InstructionAction, target InstructionTarget) InstructionCard {
	return InstructionCard{
		ID:         id,
		ChannelID:  channelID,
		Title:      title,
		Action:     action,
		Target:     target,
		CardCount:  1,
		RunMode:    RunModeManual,
		Safeguards: DefaultSafeguards(),
	}
}

// IsAutomatic reports whether the engine may consider this instruction at all.
func (ic InstructionCard) IsAutomatic() bool {
	return ic.RunMode == RunModeAutomatic && ic.IsEnabled && len(ic.Triggers) > 0
}

// InScope reports whether the instruction applies to channelID.
func (ic InstructionCard) InScope(channelID string) bool {
	return ic.ChannelID == "" || ic.ChannelID == channelID
}

// TriggersOf returns the instruction's triggers of type t, in order.
func (ic InstructionCard) TriggersOf(t TriggerType) []AutomaticTrigger {
	var out []AutomaticTrigger
	for _, trig := range ic.Triggers {
		if trig.Type == t {
			out = append(out, trig)
		}
	}
	return out
}

// EffectiveDailyCount is the daily counter as seen at now: a counter last
// reset before today's midnight counts as zero.
func (ic InstructionCard) EffectiveDailyCount(now time.Time) int {
	if ic.DailyCountResetAt == nil || ic.DailyCountResetAt.Before(StartOfDay(now)) {
		return 0
	}
	return ic.DailyExecutionCount
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
