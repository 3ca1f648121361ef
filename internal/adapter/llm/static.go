package llm

import (
	"context"
	"fmt"

	"kanban-ai/internal/domain"
)

// StaticTag is the tag StaticGenerator adds to modified cards.
const StaticTag = "reviewed"

var _ domain.Generator = (*StaticGenerator)(nil)

// StaticGenerator produces deterministic output without calling a model.
// Generate titles cards after the instruction, Modify tags the card, and
// Move advances every card one column.
type StaticGenerator struct{}

func NewStaticGenerator() *StaticGenerator { return &StaticGenerator{} }

func (*StaticGenerator) Name() string { return "static" }

func (*StaticGenerator) Generate(ctx context.Context, req domain.GenerateRequest) ([]domain.GeneratedCard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	var columnID string
	if len(req.TargetColumns) > 0 {
		columnID = req.TargetColumns[0].ID
	}
	cards := make([]domain.GeneratedCard, 0, count)
	for i := 0; i < count; i++ {
		cards = append(cards, domain.GeneratedCard{
			Title:    fmt.Sprintf("%s #%d", req.Instruction.Title, len(req.ContextCards)+i+1),
			Content:  req.Instruction.Instructions,
			ColumnID: columnID,
		})
	}
	return cards, nil
}

func (*StaticGenerator) Modify(ctx context.Context, req domain.ModifyRequest) (*domain.CardPatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Card.HasTag(StaticTag) {
		return &domain.CardPatch{}, nil
	}
	return &domain.CardPatch{
		Tags:       []string{StaticTag},
		Properties: map[string]string{"reviewed_by": req.Instruction.Title},
	}, nil
}

func (*StaticGenerator) Move(ctx context.Context, req domain.MoveRequest) ([]domain.MoveDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	next := make(map[string]string, len(req.Channel.Columns))
	for i := 0; i+1 < len(req.Channel.Columns); i++ {
		next[req.Channel.Columns[i].ID] = req.Channel.Columns[i+1].ID
	}
	var moves []domain.MoveDecision
	for _, c := range req.Cards {
		if to, ok := next[c.ColumnID]; ok {
			moves = append(moves, domain.MoveDecision{CardID: c.ID, ToColumnID: to})
		}
	}
	return moves, nil
}
