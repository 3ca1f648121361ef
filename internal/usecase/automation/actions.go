package automation

import (
	"context"
	"fmt"

	"kanban-ai/internal/domain"
)

type actionOutcome struct {
	channelID string
	affected  int
	skipped   int
	changes   []domain.CardChange
}

func (o *actionOutcome) add(c domain.CardChange) {
	o.changes = append(o.changes, c)
	o.affected++
}

// generate asks the generator for new cards and creates up to CardCount of
// them in the target columns, stamped with the instruction's ID.
func (d *Dispatcher) generate(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, actx domain.AutomationContext) (actionOutcome, error) {
	const op = "Dispatcher.generate"
	var out actionOutcome

	ch, err := resolveChannel(ic, stim, actx)
	if err != nil {
		return out, domain.WrapOp(op, err)
	}
	out.channelID = ch.ID

	targets, err := targetColumns(ic, ch)
	if err != nil {
		return out, domain.WrapOp(op, err)
	}
	count := max(ic.CardCount, 1)

	generated, err := d.generator.Generate(ctx, domain.GenerateRequest{
		Instruction:   ic,
		Channel:       ch,
		TargetColumns: targets,
		ContextCards:  contextCards(ic, ch, targets, actx),
		Count:         count,
	})
	if err != nil {
		return out, domain.NewDomainError(op, domain.ErrActionFailed, err.Error())
	}
	if len(generated) > count {
		generated = generated[:count]
	}

	for _, g := range generated {
		if err := ctx.Err(); err != nil {
			return out, domain.WrapOp(op, err)
		}
		columnID := targets[0].ID
		if g.ColumnID != "" && containsColumn(targets, g.ColumnID) {
			columnID = g.ColumnID
		}

		card, err := actx.CreateCard(ctx, domain.NewCard{
			ChannelID:              ch.ID,
			ColumnID:               columnID,
			Title:                  g.Title,
			Content:                g.Content,
			CreatedByInstructionID: ic.ID,
		})
		if err != nil {
			return out, domain.WrapOp(op, err)
		}
		out.add(domain.CardChange{Kind: domain.ChangeCreated, CardID: card.ID, ToColumnID: columnID})

		if err := tagCard(ctx, actx, ch.ID, card.ID, g.Tags); err != nil {
			return out, domain.WrapOp(op, err)
		}
		for _, title := range g.Tasks {
			if _, err := actx.CreateTask(ctx, domain.Task{CardID: card.ID, ChannelID: ch.ID, Title: title}); err != nil {
				return out, domain.WrapOp(op, err)
			}
		}
	}
	return out, nil
}

// modify applies the generator's patch to every target card not processed
// since its last change. Already processed cards are reported as skipped.
func (d *Dispatcher) modify(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, actx domain.AutomationContext) (actionOutcome, error) {
	const op = "Dispatcher.modify"
	var out actionOutcome

	ch, err := resolveChannel(ic, stim, actx)
	if err != nil {
		return out, domain.WrapOp(op, err)
	}
	out.channelID = ch.ID

	targets, err := targetColumns(ic, ch)
	if err != nil {
		return out, domain.WrapOp(op, err)
	}
	related := contextCards(ic, ch, targets, actx)

	for _, card := range candidateCards(ch, targets, stim, actx) {
		if err := ctx.Err(); err != nil {
			return out, domain.WrapOp(op, err)
		}
		if card.IsProcessedBy(ic.ID) {
			out.skipped++
			continue
		}

		changed, err := d.modifyCard(ctx, ic, ch, card, related, actx)
		if err != nil {
			return out, domain.WrapOp(op, err)
		}
		if changed {
			out.add(domain.CardChange{
				Kind:            domain.ChangeModified,
				CardID:          card.ID,
				PreviousTitle:   card.Title,
				PreviousContent: card.Content,
			})
		}
		if err := actx.MarkCardProcessed(ctx, card.ID, ic.ID, d.now()); err != nil {
			return out, domain.WrapOp(op, err)
		}
	}

	if out.skipped > 0 {
		actx.OnCardsSkipped(out.skipped, ic.Title)
		d.metrics.AddSkipped(out.skipped)
	}
	return out, nil
}

func (d *Dispatcher) modifyCard(ctx context.Context, ic domain.InstructionCard, ch domain.Channel, card domain.Card, related []domain.Card, actx domain.AutomationContext) (bool, error) {
	actx.SetCardProcessing(card.ID, true)
	defer actx.SetCardProcessing(card.ID, false)

	patch, err := d.generator.Modify(ctx, domain.ModifyRequest{
		Instruction:  ic,
		Channel:      ch,
		Card:         card,
		ContextCards: related,
	})
	if err != nil {
		return false, domain.NewDomainError("Dispatcher.modifyCard", domain.ErrActionFailed, err.Error())
	}
	if patch == nil || patch.IsEmpty() {
		return false, nil
	}

	if patch.Title != nil || patch.Content != nil {
		if err := actx.UpdateCard(ctx, card.ID, domain.CardPatch{Title: patch.Title, Content: patch.Content}); err != nil {
			return false, err
		}
	}
	for key, value := range patch.Properties {
		if err := actx.SetCardProperty(ctx, card.ID, key, value); err != nil {
			return false, err
		}
	}
	if err := tagCard(ctx, actx, ch.ID, card.ID, patch.Tags); err != nil {
		return false, err
	}
	return true, nil
}

// move relocates candidate cards: all of them to MoveTargetColumnID when it
// is set, otherwise wherever the generator decides.
func (d *Dispatcher) move(ctx context.Context, ic domain.InstructionCard, stim domain.Stimulus, actx domain.AutomationContext) (actionOutcome, error) {
	const op = "Dispatcher.move"
	var out actionOutcome

	ch, err := resolveChannel(ic, stim, actx)
	if err != nil {
		return out, domain.WrapOp(op, err)
	}
	out.channelID = ch.ID

	sources, err := targetColumns(ic, ch)
	if err != nil {
		return out, domain.WrapOp(op, err)
	}
	var cards []domain.Card
	for _, c := range candidateCards(ch, sources, stim, actx) {
		if ic.MoveFilterTag == "" || c.HasTag(ic.MoveFilterTag) {
			cards = append(cards, c)
		}
	}
	if len(cards) == 0 {
		return out, nil
	}

	var decisions []domain.MoveDecision
	if ic.MoveTargetColumnID != "" {
		if !ch.HasColumn(ic.MoveTargetColumnID) {
			return out, domain.NewDomainError(op, domain.ErrColumnNotFound, ic.MoveTargetColumnID)
		}
		for _, c := range cards {
			decisions = append(decisions, domain.MoveDecision{CardID: c.ID, ToColumnID: ic.MoveTargetColumnID})
		}
	} else {
		if d.generator == nil {
			return out, domain.NewDomainError(op, domain.ErrActionFailed, "no generator configured")
		}
		decisions, err = d.generator.Move(ctx, domain.MoveRequest{Instruction: ic, Channel: ch, Cards: cards})
		if err != nil {
			return out, domain.NewDomainError(op, domain.ErrActionFailed, err.Error())
		}
	}

	byID := make(map[string]domain.Card, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}
	for _, dec := range decisions {
		if err := ctx.Err(); err != nil {
			return out, domain.WrapOp(op, err)
		}
		card, ok := byID[dec.CardID]
		if !ok || !ch.HasColumn(dec.ToColumnID) || card.ColumnID == dec.ToColumnID {
			d.logger.Debug("ignoring move decision",
				"instruction", ic.ID,
				"card", dec.CardID,
				"to", dec.ToColumnID,
			)
			continue
		}
		delete(byID, dec.CardID)

		if err := actx.MoveCard(ctx, card.ID, dec.ToColumnID); err != nil {
			return out, domain.WrapOp(op, err)
		}
		out.add(domain.CardChange{
			Kind:         domain.ChangeMoved,
			CardID:       card.ID,
			FromColumnID: card.ColumnID,
			ToColumnID:   dec.ToColumnID,
		})
	}
	return out, nil
}

// resolveChannel picks the channel a run works in: the stimulus channel, the
// instruction's own channel, or for a global instruction the channel holding
// its target column.
func resolveChannel(ic domain.InstructionCard, stim domain.Stimulus, actx domain.BoardReader) (domain.Channel, error) {
	id := stim.ChannelID
	if id == "" {
		id = ic.ChannelID
	}
	if id != "" {
		ch, ok := actx.Channel(id)
		if !ok {
			return domain.Channel{}, domain.NewDomainError("resolveChannel", domain.ErrChannelNotFound, id)
		}
		return ch, nil
	}

	wanted := ic.Target.ColumnID
	if wanted == "" && len(ic.Target.ColumnIDs) > 0 {
		wanted = ic.Target.ColumnIDs[0]
	}
	for _, ch := range actx.Channels() {
		if wanted != "" && ch.HasColumn(wanted) {
			return ch, nil
		}
	}
	return domain.Channel{}, domain.NewDomainError("resolveChannel", domain.ErrChannelNotFound,
		fmt.Sprintf("no channel for global instruction %s", ic.ID))
}

// targetColumns resolves the instruction target to columns of ch. Unknown
// column IDs are dropped; an empty result is an error.
func targetColumns(ic domain.InstructionCard, ch domain.Channel) ([]domain.Column, error) {
	var ids []string
	switch ic.Target.Type {
	case domain.TargetColumn:
		ids = []string{ic.Target.ColumnID}
	case domain.TargetColumns:
		ids = ic.Target.ColumnIDs
	case domain.TargetBoard:
		return ch.Columns, nil
	default:
		return nil, domain.NewDomainError("targetColumns", domain.ErrInvalidInput,
			fmt.Sprintf("unknown target type %q", ic.Target.Type))
	}

	var cols []domain.Column
	for _, id := range ids {
		for _, col := range ch.Columns {
			if col.ID == id {
				cols = append(cols, col)
				break
			}
		}
	}
	if len(cols) == 0 {
		return nil, domain.NewDomainError("targetColumns", domain.ErrColumnNotFound,
			fmt.Sprintf("instruction %s targets no column of channel %s", ic.ID, ch.ID))
	}
	return cols, nil
}

// candidateCards lists the cards of ch in cols. When the stimulus names a
// card inside cols, only that card is a candidate.
func candidateCards(ch domain.Channel, cols []domain.Column, stim domain.Stimulus, actx domain.BoardReader) []domain.Card {
	if stim.CardID != "" {
		if card, ok := actx.Card(stim.CardID); ok && card.ChannelID == ch.ID && containsColumn(cols, card.ColumnID) {
			return []domain.Card{card}
		}
	}
	return cardsIn(actx.Cards(), ch.ID, cols)
}

// contextCards returns the cards the generator may read: ContextColumns when
// set, the target columns otherwise.
func contextCards(ic domain.InstructionCard, ch domain.Channel, targets []domain.Column, actx domain.BoardReader) []domain.Card {
	cols := targets
	if len(ic.ContextColumns) > 0 {
		cols = nil
		for _, id := range ic.ContextColumns {
			cols = append(cols, domain.Column{ID: id})
		}
	}
	return cardsIn(actx.Cards(), ch.ID, cols)
}

func cardsIn(all []domain.Card, channelID string, cols []domain.Column) []domain.Card {
	var out []domain.Card
	for _, c := range all {
		if c.ChannelID == channelID && containsColumn(cols, c.ColumnID) {
			out = append(out, c)
		}
	}
	return out
}

func containsColumn(cols []domain.Column, id string) bool {
	for _, c := range cols {
		if c.ID == id {
			return true
		}
	}
	return false
}

func tagCard(ctx context.Context, actx domain.AutomationContext, channelID, cardID string, tags []string) error {
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if err := actx.AddTagDefinition(ctx, domain.TagDefinition{ChannelID: channelID, Name: tag}); err != nil {
			return err
		}
		if err := actx.AddTagToCard(ctx, cardID, tag); err != nil {
			return err
		}
	}
	return nil
}
