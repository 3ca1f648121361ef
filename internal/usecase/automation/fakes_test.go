package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"kanban-ai/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBoard is an in-memory AutomationContext that records every hook call.
type fakeBoard struct {
	mu    sync.Mutex
	clock *fakeClock

	channels     []domain.Channel
	cards        map[string]domain.Card
	tasks        []domain.Task
	instructions map[string]domain.InstructionCard
	messages     []domain.Message
	tagDefs      []domain.TagDefinition
	runs         []domain.InstructionRun
	skipped      []int
	runningCalls []string
	processing   []string
	aiOps        []string
	abort        chan struct{}
	seq          int

	// notify, when set, receives an event for every card mutation.
	notify func(ctx context.Context, event domain.CardEvent)
}

var _ domain.AutomationContext = (*fakeBoard)(nil)

func newFakeBoard(clock *fakeClock, channels ...domain.Channel) *fakeBoard {
	return &fakeBoard{
		clock:        clock,
		channels:     channels,
		cards:        make(map[string]domain.Card),
		instructions: make(map[string]domain.InstructionCard),
		abort:        make(chan struct{}),
	}
}

func (b *fakeBoard) putInstruction(ic domain.InstructionCard) {
	b.mu.Lock()
	b.instructions[ic.ID] = ic
	b.mu.Unlock()
}

func (b *fakeBoard) instruction(id string) domain.InstructionCard {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instructions[id]
}

func (b *fakeBoard) addCard(id, channelID, columnID, title string, tags ...string) domain.Card {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	c := domain.Card{
		ID:        id,
		ChannelID: channelID,
		ColumnID:  columnID,
		Title:     title,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.cards[id] = c
	return c
}

func (b *fakeBoard) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func (b *fakeBoard) emit(ctx context.Context, event domain.CardEvent) {
	if b.notify == nil {
		return
	}
	if event.CreatedByInstructionID == "" {
		event.CreatedByInstructionID = domain.InstructionIDFromContext(ctx)
	}
	b.notify(ctx, event)
}

func (b *fakeBoard) Channels() []domain.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Channel(nil), b.channels...)
}

func (b *fakeBoard) Channel(id string) (domain.Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return domain.Channel{}, false
}

func (b *fakeBoard) Cards() []domain.Card {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Card, 0, len(b.cards))
	for _, c := range b.cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *fakeBoard) Card(id string) (domain.Card, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cards[id]
	return c, ok
}

func (b *fakeBoard) Tasks() []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Task(nil), b.tasks...)
}

func (b *fakeBoard) InstructionCards() []domain.InstructionCard {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.InstructionCard, 0, len(b.instructions))
	for _, ic := range b.instructions {
		out = append(out, ic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *fakeBoard) InstructionCard(id string) (domain.InstructionCard, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ic, ok := b.instructions[id]
	return ic, ok
}

func (b *fakeBoard) CreateCard(ctx context.Context, nc domain.NewCard) (domain.Card, error) {
	b.mu.Lock()
	b.seq++
	id := fmt.Sprintf("gen-%03d", b.seq)
	now := b.clock.Now()
	c := domain.Card{
		ID:                     id,
		ChannelID:              nc.ChannelID,
		ColumnID:               nc.ColumnID,
		Title:                  nc.Title,
		Content:                nc.Content,
		CreatedByInstructionID: nc.CreatedByInstructionID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	b.cards[id] = c
	b.mu.Unlock()

	b.emit(ctx, domain.CardEvent{
		Type:                   domain.CardCreated,
		CardID:                 id,
		ChannelID:              c.ChannelID,
		ToColumnID:             c.ColumnID,
		CreatedByInstructionID: c.CreatedByInstructionID,
	})
	return c, nil
}

func (b *fakeBoard) UpdateCard(ctx context.Context, cardID string, patch domain.CardPatch) error {
	b.mu.Lock()
	c, ok := b.cards[cardID]
	if !ok {
		b.mu.Unlock()
		return domain.ErrCardNotFound
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	if patch.Content != nil {
		c.Content = *patch.Content
	}
	c.UpdatedAt = b.clock.Now()
	b.cards[cardID] = c
	b.mu.Unlock()

	b.emit(ctx, domain.CardEvent{Type: domain.CardModified, CardID: cardID, ChannelID: c.ChannelID, ColumnID: c.ColumnID})
	return nil
}

func (b *fakeBoard) MoveCard(ctx context.Context, cardID, toColumnID string) error {
	b.mu.Lock()
	c, ok := b.cards[cardID]
	if !ok {
		b.mu.Unlock()
		return domain.ErrCardNotFound
	}
	from := c.ColumnID
	c.ColumnID = toColumnID
	c.UpdatedAt = b.clock.Now()
	b.cards[cardID] = c
	b.mu.Unlock()

	b.emit(ctx, domain.CardEvent{
		Type:         domain.CardMoved,
		CardID:       cardID,
		ChannelID:    c.ChannelID,
		FromColumnID: from,
		ToColumnID:   toColumnID,
	})
	return nil
}

func (b *fakeBoard) SetCardProperty(_ context.Context, cardID, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cards[cardID]
	if !ok {
		return domain.ErrCardNotFound
	}
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[key] = value
	b.cards[cardID] = c
	return nil
}

func (b *fakeBoard) MarkCardProcessed(_ context.Context, cardID, instructionID string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cards[cardID]
	if !ok {
		return domain.ErrCardNotFound
	}
	if at.Before(c.UpdatedAt) {
		at = c.UpdatedAt
	}
	processed := make(map[string]time.Time, len(c.ProcessedByInstructions)+1)
	for k, v := range c.ProcessedByInstructions {
		processed[k] = v
	}
	processed[instructionID] = at
	c.ProcessedByInstructions = processed
	b.cards[cardID] = c
	return nil
}

func (b *fakeBoard) AddMessage(_ context.Context, msg domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

func (b *fakeBoard) CreateTask(_ context.Context, task domain.Task) (domain.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task.ID = fmt.Sprintf("task-%d", len(b.tasks)+1)
	b.tasks = append(b.tasks, task)
	return task, nil
}

func (b *fakeBoard) UpdateInstructionCard(_ context.Context, id string, fn func(*domain.InstructionCard)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ic, ok := b.instructions[id]
	if !ok {
		return domain.ErrInstructionNotFound
	}
	fn(&ic)
	b.instructions[id] = ic
	return nil
}

func (b *fakeBoard) AddTagDefinition(_ context.Context, def domain.TagDefinition) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.tagDefs {
		if d.ChannelID == def.ChannelID && d.Name == def.Name {
			return nil
		}
	}
	b.tagDefs = append(b.tagDefs, def)
	return nil
}

func (b *fakeBoard) AddTagToCard(_ context.Context, cardID, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cards[cardID]
	if !ok {
		return domain.ErrCardNotFound
	}
	if !c.HasTag(tag) {
		c.Tags = append(append([]string(nil), c.Tags...), tag)
	}
	b.cards[cardID] = c
	return nil
}

func (b *fakeBoard) StartAIOperation(instructionID, _ string) {
	b.mu.Lock()
	b.aiOps = append(b.aiOps, "start:"+instructionID)
	b.mu.Unlock()
}

func (b *fakeBoard) CompleteAIOperation(instructionID string) {
	b.mu.Lock()
	b.aiOps = append(b.aiOps, "complete:"+instructionID)
	b.mu.Unlock()
}

func (b *fakeBoard) SetCardProcessing(cardID string, processing bool) {
	b.mu.Lock()
	b.processing = append(b.processing, fmt.Sprintf("%s:%t", cardID, processing))
	b.mu.Unlock()
}

func (b *fakeBoard) SetInstructionRunning(instructionID string, running bool) {
	b.mu.Lock()
	b.runningCalls = append(b.runningCalls, fmt.Sprintf("%s:%t", instructionID, running))
	b.mu.Unlock()
}

func (b *fakeBoard) GetAIAbortSignal() <-chan struct{} { return b.abort }

func (b *fakeBoard) RecordInstructionRun(_ context.Context, run domain.InstructionRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs = append(b.runs, run)
	return nil
}

func (b *fakeBoard) OnCardsSkipped(count int, _ string) {
	b.mu.Lock()
	b.skipped = append(b.skipped, count)
	b.mu.Unlock()
}

// fakeGenerator returns canned answers and counts calls.
type fakeGenerator struct {
	mu          sync.Mutex
	cards       []domain.GeneratedCard
	patch       *domain.CardPatch
	moves       []domain.MoveDecision
	err         error
	panicWith   any
	generateN   int
	modifyN     int
	moveN       int
	lastRequest domain.GenerateRequest

	// When block is non-nil, calls signal started and wait for block to
	// close or ctx to end.
	block   chan struct{}
	started chan struct{}
}

var _ domain.Generator = (*fakeGenerator)(nil)

func (g *fakeGenerator) wait(ctx context.Context) error {
	if g.block == nil {
		return nil
	}
	if g.started != nil {
		select {
		case g.started <- struct{}{}:
		default:
		}
	}
	select {
	case <-g.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, req domain.GenerateRequest) ([]domain.GeneratedCard, error) {
	g.mu.Lock()
	g.generateN++
	g.lastRequest = req
	g.mu.Unlock()
	if g.panicWith != nil {
		panic(g.panicWith)
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.cards != nil {
		return g.cards, nil
	}
	return []domain.GeneratedCard{{Title: "Generated"}}, nil
}

func (g *fakeGenerator) Modify(ctx context.Context, _ domain.ModifyRequest) (*domain.CardPatch, error) {
	g.mu.Lock()
	g.modifyN++
	g.mu.Unlock()
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.patch, nil
}

func (g *fakeGenerator) Move(ctx context.Context, _ domain.MoveRequest) ([]domain.MoveDecision, error) {
	g.mu.Lock()
	g.moveN++
	g.mu.Unlock()
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.moves, nil
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) calls() (generate, modify, move int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generateN, g.modifyN, g.moveN
}

var errGenerator = errors.New("generator unavailable")

func strPtr(s string) *string { return &s }

var testChannel = domain.Channel{
	ID:   "ch1",
	Name: "Sprint",
	Columns: []domain.Column{
		{ID: "todo", Title: "To do"},
		{ID: "doing", Title: "Doing"},
		{ID: "review", Title: "Review"},
		{ID: "done", Title: "Done"},
	},
}

func newInstruction(id string, action domain.InstructionAction, column string) domain.InstructionCard {
	ic := domain.NewInstructionCard(id, testChannel.ID, "Instruction "+id, action,
		domain.InstructionTarget{Type: domain.TargetColumn, ColumnID: column})
	ic.Instructions = "do the thing"
	return ic
}

func automaticInstruction(id string, action domain.InstructionAction, column string, triggers ...domain.AutomaticTrigger) domain.InstructionCard {
	ic := newInstruction(id, action, column)
	ic.RunMode = domain.RunModeAutomatic
	ic.IsEnabled = true
	ic.Triggers = triggers
	return ic
}
