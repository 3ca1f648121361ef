package domain

import "context"

// GenerateRequest asks for new card content.
type GenerateRequest struct {
	Instruction   InstructionCard
	Channel       Channel
	TargetColumns []Column
	ContextCards  []Card
	Count         int
}

// GeneratedCard is one card proposed by a Generator.
type GeneratedCard struct {
	Title    string   `json:"title"`
	Content  string   `json:"content,omitempty"`
	ColumnID string   `json:"column_id,omitempty"` // must be one of the target columns
	Tags     []string `json:"tags,omitempty"`
	Tasks    []string `json:"tasks,omitempty"`
}

// ModifyRequest asks for changes to a single card.
type ModifyRequest struct {
	Instruction  InstructionCard
	Channel      Channel
	Card         Card
	ContextCards []Card
}

// MoveRequest asks where candidate cards should go.
type MoveRequest struct {
	Instruction InstructionCard
	Channel     Channel
	Cards       []Card
}

// MoveDecision moves one card to another column.
type MoveDecision struct {
	CardID     string `json:"card_id"`
	ToColumnID string `json:"to_column_id"`
}

// Generator is the injected AI capability that fabricates card content.
// Implementations must honour ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]GeneratedCard, error)
	Modify(ctx context.Context, req ModifyRequest) (*CardPatch, error)
	Move(ctx context.Context, req MoveRequest) ([]MoveDecision, error)
	Name() string
}
