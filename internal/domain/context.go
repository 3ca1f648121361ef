package domain

import (
	"context"
	"time"
)

type ctxKey string

const instructionCtxKey ctxKey = "instruction_id"

// ContextWithInstructionID marks ctx as acting on behalf of an instruction.
// Board mutations made under such a context are attributed to it.
func ContextWithInstructionID(ctx context.Context, instructionID string) context.Context {
	return context.WithValue(ctx, instructionCtxKey, instructionID)
}

// InstructionIDFromContext returns the acting instruction, or "" for user changes.
func InstructionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(instructionCtxKey).(string); ok {
		return v
	}
	return ""
}

// BoardReader exposes the current board state.
type BoardReader interface {
	Channels() []Channel
	Channel(id string) (Channel, bool)
	Cards() []Card
	Card(id string) (Card, bool)
	Tasks() []Task
	InstructionCards() []InstructionCard
	InstructionCard(id string) (InstructionCard, bool)
}

// BoardWriter mutates the board. Every change goes through the same single
// writer, so callers need no extra locking.
type BoardWriter interface {
	CreateCard(ctx context.Context, card NewCard) (Card, error)
	UpdateCard(ctx context.Context, cardID string, patch CardPatch) error
	MoveCard(ctx context.Context, cardID, toColumnID string) error
	// SetCardProperty sets a card attribute without counting as a content change.
	SetCardProperty(ctx context.Context, cardID, key, value string) error
	// MarkCardProcessed stamps ProcessedByInstructions[instructionID].
	MarkCardProcessed(ctx context.Context, cardID, instructionID string, at time.Time) error
	AddMessage(ctx context.Context, msg Message) error
	CreateTask(ctx context.Context, task Task) (Task, error)
	// UpdateInstructionCard applies fn to the stored instruction atomically.
	UpdateInstructionCard(ctx context.Context, id string, fn func(*InstructionCard)) error
	AddTagDefinition(ctx context.Context, def TagDefinition) error
	AddTagToCard(ctx context.Context, cardID, tag string) error
}

// AutomationHooks are lifecycle callbacks the surrounding app uses to show
// progress and keep an undo log.
type AutomationHooks interface {
	StartAIOperation(instructionID, title string)
	CompleteAIOperation(instructionID string)
	SetCardProcessing(cardID string, processing bool)
	SetInstructionRunning(instructionID string, running bool)
	// GetAIAbortSignal is closed when in-flight AI work must stop.
	GetAIAbortSignal() <-chan struct{}
	RecordInstructionRun(ctx context.Context, run InstructionRun) error
	OnCardsSkipped(count int, instructionTitle string)
}

// AutomationContext is everything the engine may read or do. It is passed
// in explicitly so the engine never touches storage directly.
type AutomationContext interface {
	BoardReader
	BoardWriter
	AutomationHooks
}

// ChangeKind classifies one board change made by a run.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeMoved    ChangeKind = "moved"
)

// CardChange is one undoable change made by an instruction run.
type CardChange struct {
	Kind            ChangeKind `json:"kind"`
	CardID          string     `json:"card_id"`
	FromColumnID    string     `json:"from_column_id,omitempty"`
	ToColumnID      string     `json:"to_column_id,omitempty"`
	PreviousTitle   string     `json:"previous_title,omitempty"`
	PreviousContent string     `json:"previous_content,omitempty"`
}

// InstructionRun is the change-log entry handed to RecordInstructionRun.
type InstructionRun struct {
	ID               string        `json:"id"`
	InstructionID    string        `json:"instruction_id"`
	InstructionTitle string        `json:"instruction_title"`
	ChannelID        string        `json:"channel_id,omitempty"`
	TriggeredBy      TriggerType   `json:"triggered_by"`
	Success          bool          `json:"success"`
	CardsAffected    int           `json:"cards_affected"`
	CardsSkipped     int           `json:"cards_skipped"`
	Changes          []CardChange  `json:"changes,omitempty"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
}

// Stimulus describes what made an instruction a candidate for execution.
type Stimulus struct {
	TriggeredBy TriggerType
	ChannelID   string
	CardID      string
	// SourceInstructionID is the instruction whose output produced the
	// stimulus, if any.
	SourceInstructionID string
	// Card is the card the stimulus concerns, when known.
	Card *Card
}
