package domain

import (
	"context"
	"time"
)

// CardEventType identifies a card lifecycle transition.
type CardEventType string

const (
	CardMoved    CardEventType = "moved"
	CardCreated  CardEventType = "created"
	CardModified CardEventType = "modified"
)

// CardEvent is published whenever a card is created, moved or modified.
// It is transient: delivered once to current subscribers and dropped.
type CardEvent struct {
	ID           string        `json:"id"`
	Type         CardEventType `json:"type"`
	CardID       string        `json:"card_id"`
	ChannelID    string        `json:"channel_id"`
	ColumnID     string        `json:"column_id,omitempty"` // card's column after the change
	ToColumnID   string        `json:"to_column_id,omitempty"`
	FromColumnID string        `json:"from_column_id,omitempty"`
	// CreatedByInstructionID is set when the change stems from automation:
	// the card was produced by that instruction, or the instruction made
	// the change itself.
	CreatedByInstructionID string    `json:"created_by_instruction_id,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

// RelevantColumn is the column an event trigger compares against:
// the destination for moves and creations, the card's column for edits.
func (e CardEvent) RelevantColumn() string {
	switch e.Type {
	case CardMoved, CardCreated:
		return e.ToColumnID
	case CardModified:
		if e.ColumnID != "" {
			return e.ColumnID
		}
		return e.ToColumnID
	default:
		return ""
	}
}

// ThresholdCheck asks the engine to re-evaluate threshold triggers of a
// channel, usually after a column's card count changed.
type ThresholdCheck struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	// SourceInstructionID names the instruction whose output changed the
	// count, if any.
	SourceInstructionID string    `json:"source_instruction_id,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// CardEventHandler is invoked for each published card event.
type CardEventHandler func(ctx context.Context, event CardEvent)

// ThresholdCheckHandler is invoked for each published threshold check.
type ThresholdCheckHandler func(ctx context.Context, check ThresholdCheck)

// EventBus is the in-process publish/subscribe channel between the board
// mutation layer and the automation engine.
type EventBus interface {
	// PublishCardEvent delivers event to every current card-event subscriber.
	PublishCardEvent(ctx context.Context, event CardEvent)
	// PublishThresholdCheck delivers check to every current threshold subscriber.
	PublishThresholdCheck(ctx context.Context, check ThresholdCheck)
	// SubscribeCardEvents registers a handler and returns an unsubscribe function.
	SubscribeCardEvents(handler CardEventHandler) func()
	// SubscribeThresholdChecks registers a handler and returns an unsubscribe function.
	SubscribeThresholdChecks(handler ThresholdCheckHandler) func()
	// Close drains in-flight deliveries and drops later publishes.
	Close()
}
