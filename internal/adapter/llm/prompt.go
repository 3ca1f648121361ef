package llm

import (
	"fmt"
	"strings"

	"kanban-ai/internal/domain"
)

const maxContextContent = 400

const systemPrompt = `You maintain cards on a kanban board by following the user's standing instruction.
Reply with a single JSON object and nothing else. Never invent column or card ids.`

func generatePrompt(req domain.GenerateRequest) string {
	var b strings.Builder
	writeInstruction(&b, req.Instruction, req.Channel)
	b.WriteString("\nTarget columns (use one of these ids as column_id):\n")
	for _, col := range req.TargetColumns {
		fmt.Fprintf(&b, "- %s: %s\n", col.ID, col.Title)
	}
	writeCards(&b, "Existing cards for context", req.ContextCards, req.Channel)
	count := req.Count
	if count <= 0 {
		count = 1
	}
	fmt.Fprintf(&b, "\nCreate at most %d new card(s). Do not duplicate existing cards.\n", count)
	b.WriteString(`Respond as {"cards":[{"title":"...","content":"...","column_id":"...","tags":["..."],"tasks":["..."]}]}.`)
	return b.String()
}

func modifyPrompt(req domain.ModifyRequest) string {
	var b strings.Builder
	writeInstruction(&b, req.Instruction, req.Channel)
	b.WriteString("\nCard to update:\n")
	fmt.Fprintf(&b, "title: %s\ncontent: %s\n", req.Card.Title, req.Card.Content)
	if len(req.Card.Tags) > 0 {
		fmt.Fprintf(&b, "tags: %s\n", strings.Join(req.Card.Tags, ", "))
	}
	writeCards(&b, "Related cards", req.ContextCards, req.Channel)
	b.WriteString("\nReturn only the fields that should change. ")
	b.WriteString(`Respond as {"title":"...","content":"...","tags":["..."],"properties":{"key":"value"}}; use {} for no change.`)
	return b.String()
}

func movePrompt(req domain.MoveRequest) string {
	var b strings.Builder
	writeInstruction(&b, req.Instruction, req.Channel)
	b.WriteString("\nColumns:\n")
	for _, col := range req.Channel.Columns {
		fmt.Fprintf(&b, "- %s: %s\n", col.ID, col.Title)
	}
	b.WriteString("\nCandidate cards:\n")
	for _, c := range req.Cards {
		fmt.Fprintf(&b, "- id=%s column=%s title=%q\n", c.ID, c.ColumnID, c.Title)
	}
	b.WriteString("\nList only cards that should move. ")
	b.WriteString(`Respond as {"moves":[{"card_id":"...","to_column_id":"..."}]}; use {"moves":[]} when nothing moves.`)
	return b.String()
}

func writeInstruction(b *strings.Builder, ic domain.InstructionCard, ch domain.Channel) {
	fmt.Fprintf(b, "Board: %s\nInstruction: %s\n", ch.Name, ic.Title)
	if ic.Instructions != "" {
		fmt.Fprintf(b, "%s\n", ic.Instructions)
	}
}

func writeCards(b *strings.Builder, heading string, cards []domain.Card, ch domain.Channel) {
	if len(cards) == 0 {
		return
	}
	titles := make(map[string]string, len(ch.Columns))
	for _, col := range ch.Columns {
		titles[col.ID] = col.Title
	}
	fmt.Fprintf(b, "\n%s:\n", heading)
	for _, c := range cards {
		fmt.Fprintf(b, "- [%s] %s", titles[c.ColumnID], c.Title)
		if c.Content != "" {
			fmt.Fprintf(b, ": %s", truncate(c.Content, maxContextContent))
		}
		b.WriteString("\n")
	}
}
