// Package board is an in-memory, single-writer board that implements
// domain.AutomationContext and optionally persists itself as JSON.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"kanban-ai/internal/domain"
)

const (
	maxMessages   = 500
	maxMemoryRuns = 200
)

var _ domain.AutomationContext = (*Store)(nil)

// Notifier receives board changes. *automation.Engine satisfies it.
type Notifier interface {
	EmitCardEvent(ctx context.Context, event domain.CardEvent)
	// CheckThresholdsFrom re-evaluates threshold triggers after a change
	// attributed to sourceInstructionID, which may be empty.
	CheckThresholdsFrom(ctx context.Context, channelID, sourceInstructionID string)
}

// RunRecorder durably stores instruction runs.
type RunRecorder interface {
	Record(ctx context.Context, run domain.InstructionRun) error
}

// Snapshot is the persisted form of a board.
type Snapshot struct {
	Channels     []domain.Channel         `json:"channels"`
	Cards        []domain.Card            `json:"cards"`
	Tasks        []domain.Task            `json:"tasks,omitempty"`
	Instructions []domain.InstructionCard `json:"instructions"`
	Messages     []domain.Message         `json:"messages,omitempty"`
	Tags         []domain.TagDefinition   `json:"tags,omitempty"`
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRunRecorder sends every instruction run to r as well.
func WithRunRecorder(r RunRecorder) Option {
	return func(s *Store) { s.recorder = r }
}

// Store holds one board. All mutations take the same lock, so it is the
// single writer the automation engine relies on. Notifications are sent
// after the lock is released.
type Store struct {
	path     string
	now      func() time.Time
	logger   *slog.Logger
	recorder RunRecorder

	mu           sync.RWMutex
	channels     []domain.Channel
	cards        map[string]domain.Card
	tasks        []domain.Task
	instructions map[string]domain.InstructionCard
	messages     []domain.Message
	tags         []domain.TagDefinition

	// runtime state, never persisted
	stateMu    sync.Mutex
	running    map[string]bool
	processing map[string]bool
	operations map[string]string
	runs       []domain.InstructionRun
	abort      chan struct{}
	notifier   Notifier
}

// NewStore creates a board. With a non-empty path, existing state is loaded
// from it and every mutation is written back.
func NewStore(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		path:         path,
		now:          time.Now,
		logger:       logger,
		cards:        make(map[string]domain.Card),
		instructions: make(map[string]domain.InstructionCard),
		running:      make(map[string]bool),
		processing:   make(map[string]bool),
		operations:   make(map[string]string),
		abort:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("board: create dir: %w", err)
		}
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("board: load: %w", err)
		}
	}
	return s, nil
}

// SetNotifier sets the receiver of card events and threshold checks.
func (s *Store) SetNotifier(n Notifier) {
	s.stateMu.Lock()
	s.notifier = n
	s.stateMu.Unlock()
}

func (s *Store) currentNotifier() Notifier {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.notifier
}

// --- user-facing mutations ---

// PutChannel adds or replaces a channel.
func (s *Store) PutChannel(ch domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.channels {
		if existing.ID == ch.ID {
			s.channels[i] = ch
			return s.persist()
		}
	}
	s.channels = append(s.channels, ch)
	return s.persist()
}

// PutInstructionCard adds or replaces an instruction card.
func (s *Store) PutInstructionCard(ic domain.InstructionCard) error {
	if ic.ID == "" {
		return domain.NewDomainError("Store.PutInstructionCard", domain.ErrInvalidInput, "missing id")
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instructions[ic.ID]; ok {
		ic.CreatedAt = existing.CreatedAt
	} else if ic.CreatedAt.IsZero() {
		ic.CreatedAt = now
	}
	ic.UpdatedAt = now
	s.instructions[ic.ID] = ic
	return s.persist()
}

// DeleteCard removes a card and its tasks.
func (s *Store) DeleteCard(ctx context.Context, cardID string) error {
	s.mu.Lock()
	card, ok := s.cards[cardID]
	if !ok {
		s.mu.Unlock()
		return domain.NewDomainError("Store.DeleteCard", domain.ErrCardNotFound, cardID)
	}
	delete(s.cards, cardID)
	tasks := s.tasks[:0]
	for _, t := range s.tasks {
		if t.CardID != cardID {
			tasks = append(tasks, t)
		}
	}
	s.tasks = tasks
	err := s.persist()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if n := s.currentNotifier(); n != nil {
		n.CheckThresholdsFrom(ctx, card.ChannelID, attribution(ctx, card))
	}
	return nil
}

// Messages returns the channel's activity messages, oldest first.
func (s *Store) Messages(channelID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

// Tags returns the tag definitions of a channel.
func (s *Store) Tags(channelID string) []domain.TagDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TagDefinition
	for _, t := range s.tags {
		if t.ChannelID == channelID {
			out = append(out, t)
		}
	}
	return out
}

// --- domain.BoardReader ---

func (s *Store) Channels() []domain.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Channel(nil), s.channels...)
}

func (s *Store) Channel(id string) (domain.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelLocked(id)
}

func (s *Store) channelLocked(id string) (domain.Channel, bool) {
	for _, ch := range s.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return domain.Channel{}, false
}

// Cards returns all cards ordered by creation time.
func (s *Store) Cards() []domain.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedCards(s.cards)
}

func (s *Store) Card(id string) (domain.Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	return c, ok
}

func (s *Store) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Task(nil), s.tasks...)
}

// InstructionCards returns all instructions ordered by ID.
func (s *Store) InstructionCards() []domain.InstructionCard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedInstructions(s.instructions)
}

func (s *Store) InstructionCard(id string) (domain.InstructionCard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ic, ok := s.instructions[id]
	return ic, ok
}

// --- domain.BoardWriter ---

func (s *Store) CreateCard(ctx context.Context, nc domain.NewCard) (domain.Card, error) {
	const op = "Store.CreateCard"
	now := s.now()

	s.mu.Lock()
	ch, ok := s.channelLocked(nc.ChannelID)
	if !ok {
		s.mu.Unlock()
		return domain.Card{}, domain.NewDomainError(op, domain.ErrChannelNotFound, nc.ChannelID)
	}
	if !ch.HasColumn(nc.ColumnID) {
		s.mu.Unlock()
		return domain.Card{}, domain.NewDomainError(op, domain.ErrColumnNotFound, nc.ColumnID)
	}
	card := domain.Card{
		ID:                     domain.NewID(now),
		ChannelID:              nc.ChannelID,
		ColumnID:               nc.ColumnID,
		Title:                  nc.Title,
		Content:                nc.Content,
		CreatedByInstructionID: nc.CreatedByInstructionID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if card.CreatedByInstructionID == "" {
		card.CreatedByInstructionID = domain.InstructionIDFromContext(ctx)
	}
	s.cards[card.ID] = card
	err := s.persist()
	s.mu.Unlock()
	if err != nil {
		return domain.Card{}, err
	}

	s.notify(ctx, card, domain.CardEvent{
		Type:       domain.CardCreated,
		CardID:     card.ID,
		ChannelID:  card.ChannelID,
		ColumnID:   card.ColumnID,
		ToColumnID: card.ColumnID,
		Timestamp:  now,
	}, true)
	return card, nil
}

func (s *Store) UpdateCard(ctx context.Context, cardID string, patch domain.CardPatch) error {
	const op = "Store.UpdateCard"
	now := s.now()

	s.mu.Lock()
	card, ok := s.cards[cardID]
	if !ok {
		s.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrCardNotFound, cardID)
	}
	changed := false
	if patch.Title != nil && *patch.Title != card.Title {
		card.Title = *patch.Title
		changed = true
	}
	if patch.Content != nil && *patch.Content != card.Content {
		card.Content = *patch.Content
		changed = true
	}
	for _, tag := range patch.Tags {
		if tag != "" && !card.HasTag(tag) {
			card.Tags = append(append([]string(nil), card.Tags...), tag)
			changed = true
		}
	}
	if len(patch.Properties) > 0 {
		card.Properties = withProperties(card.Properties, patch.Properties)
	}
	if changed {
		card.UpdatedAt = now
	}
	s.cards[cardID] = card
	err := s.persist()
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}

	s.notify(ctx, card, domain.CardEvent{
		Type:      domain.CardModified,
		CardID:    card.ID,
		ChannelID: card.ChannelID,
		ColumnID:  card.ColumnID,
		Timestamp: now,
	}, false)
	return nil
}

func (s *Store) MoveCard(ctx context.Context, cardID, toColumnID string) error {
	const op = "Store.MoveCard"
	now := s.now()

	s.mu.Lock()
	card, ok := s.cards[cardID]
	if !ok {
		s.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrCardNotFound, cardID)
	}
	ch, _ := s.channelLocked(card.ChannelID)
	if !ch.HasColumn(toColumnID) {
		s.mu.Unlock()
		return domain.NewDomainError(op, domain.ErrColumnNotFound, toColumnID)
	}
	if card.ColumnID == toColumnID {
		s.mu.Unlock()
		return nil
	}
	from := card.ColumnID
	card.ColumnID = toColumnID
	card.UpdatedAt = now
	s.cards[cardID] = card
	err := s.persist()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.notify(ctx, card, domain.CardEvent{
		Type:         domain.CardMoved,
		CardID:       card.ID,
		ChannelID:    card.ChannelID,
		ColumnID:     toColumnID,
		FromColumnID: from,
		ToColumnID:   toColumnID,
		Timestamp:    now,
	}, true)
	return nil
}

// SetCardProperty sets a card attribute. It is not a content change: no
// event is sent and UpdatedAt is kept.
func (s *Store) SetCardProperty(_ context.Context, cardID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[cardID]
	if !ok {
		return domain.NewDomainError("Store.SetCardProperty", domain.ErrCardNotFound, cardID)
	}
	card.Properties = withProperties(card.Properties, map[string]string{key: value})
	s.cards[cardID] = card
	return s.persist()
}

// MarkCardProcessed records that instructionID processed the card. The mark
// is never earlier than the card's last change, so changes made during the
// run itself do not make the card look unprocessed.
func (s *Store) MarkCardProcessed(_ context.Context, cardID, instructionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[cardID]
	if !ok {
		return domain.NewDomainError("Store.MarkCardProcessed", domain.ErrCardNotFound, cardID)
	}
	if at.Before(card.UpdatedAt) {
		at = card.UpdatedAt
	}
	processed := make(map[string]time.Time, len(card.ProcessedByInstructions)+1)
	for k, v := range card.ProcessedByInstructions {
		processed[k] = v
	}
	processed[instructionID] = at
	card.ProcessedByInstructions = processed
	s.cards[cardID] = card
	return s.persist()
}

func (s *Store) AddMessage(_ context.Context, msg domain.Message) error {
	now := s.now()
	if msg.ID == "" {
		msg.ID = domain.NewID(now)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if len(s.messages) > maxMessages {
		s.messages = s.messages[len(s.messages)-maxMessages:]
	}
	return s.persist()
}

func (s *Store) CreateTask(_ context.Context, task domain.Task) (domain.Task, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[task.CardID]
	if !ok {
		return domain.Task{}, domain.NewDomainError("Store.CreateTask", domain.ErrCardNotFound, task.CardID)
	}
	task.ID = domain.NewID(now)
	task.ChannelID = card.ChannelID
	task.CreatedAt = now
	s.tasks = append(s.tasks, task)
	return task, s.persist()
}

func (s *Store) UpdateInstructionCard(_ context.Context, id string, fn func(*domain.InstructionCard)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ic, ok := s.instructions[id]
	if !ok {
		return domain.NewDomainError("Store.UpdateInstructionCard", domain.ErrInstructionNotFound, id)
	}
	fn(&ic)
	ic.ID = id
	s.instructions[id] = ic
	return s.persist()
}

// AddTagDefinition declares a tag. Declaring an existing tag is a no-op.
func (s *Store) AddTagDefinition(_ context.Context, def domain.TagDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tags {
		if t.ChannelID == def.ChannelID && t.Name == def.Name {
			return nil
		}
	}
	s.tags = append(s.tags, def)
	return s.persist()
}

func (s *Store) AddTagToCard(ctx context.Context, cardID, tag string) error {
	return s.UpdateCard(ctx, cardID, domain.CardPatch{Tags: []string{tag}})
}

// notify sends the event, attributed to the acting instruction or else to
// the instruction that created the card, and a threshold check when the
// column counts changed.
func (s *Store) notify(ctx context.Context, card domain.Card, event domain.CardEvent, countsChanged bool) {
	n := s.currentNotifier()
	if n == nil {
		return
	}
	event.CreatedByInstructionID = attribution(ctx, card)
	n.EmitCardEvent(ctx, event)
	if countsChanged {
		n.CheckThresholdsFrom(ctx, card.ChannelID, event.CreatedByInstructionID)
	}
}

// attribution is the instruction ctx acts for, else the card's creator.
func attribution(ctx context.Context, card domain.Card) string {
	if id := domain.InstructionIDFromContext(ctx); id != "" {
		return id
	}
	return card.CreatedByInstructionID
}

func withProperties(current, set map[string]string) map[string]string {
	out := make(map[string]string, len(current)+len(set))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range set {
		out[k] = v
	}
	return out
}

func sortedCards(m map[string]domain.Card) []domain.Card {
	out := make([]domain.Card, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedInstructions(m map[string]domain.InstructionCard) []domain.InstructionCard {
	out := make([]domain.InstructionCard, 0, len(m))
	for _, ic := range m {
		out = append(out, ic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- persistence ---

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}
	s.channels = snap.Channels
	for _, c := range snap.Cards {
		s.cards[c.ID] = c
	}
	for _, ic := range snap.Instructions {
		s.instructions[ic.ID] = ic
	}
	s.tasks = snap.Tasks
	s.messages = snap.Messages
	s.tags = snap.Tags
	return nil
}

// persist writes the board. Callers hold s.mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	return writeJSON(s.path, Snapshot{
		Channels:     s.channels,
		Cards:        sortedCards(s.cards),
		Tasks:        s.tasks,
		Instructions: sortedInstructions(s.instructions),
		Messages:     s.messages,
		Tags:         s.tags,
	})
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}

// --- domain.AutomationHooks ---

func (s *Store) StartAIOperation(instructionID, title string) {
	s.stateMu.Lock()
	s.operations[instructionID] = title
	s.stateMu.Unlock()
	s.logger.Info("ai operation started", "instruction_id", instructionID, "title", title)
}

func (s *Store) CompleteAIOperation(instructionID string) {
	s.stateMu.Lock()
	delete(s.operations, instructionID)
	s.stateMu.Unlock()
	s.logger.Debug("ai operation completed", "instruction_id", instructionID)
}

func (s *Store) SetCardProcessing(cardID string, processing bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if processing {
		s.processing[cardID] = true
	} else {
		delete(s.processing, cardID)
	}
}

func (s *Store) SetInstructionRunning(instructionID string, running bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if running {
		s.running[instructionID] = true
	} else {
		delete(s.running, instructionID)
	}
}

func (s *Store) GetAIAbortSignal() <-chan struct{} {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.abort
}

// Abort stops all in-flight AI work. Work started afterwards gets a fresh
// signal.
func (s *Store) Abort() {
	s.stateMu.Lock()
	close(s.abort)
	s.abort = make(chan struct{})
	s.stateMu.Unlock()
	s.logger.Warn("ai operations aborted")
}

// RecordInstructionRun keeps the run in memory and hands it to the run
// recorder, if any.
func (s *Store) RecordInstructionRun(ctx context.Context, run domain.InstructionRun) error {
	s.stateMu.Lock()
	s.runs = append(s.runs, run)
	if len(s.runs) > maxMemoryRuns {
		s.runs = s.runs[len(s.runs)-maxMemoryRuns:]
	}
	s.stateMu.Unlock()

	if s.recorder == nil {
		return nil
	}
	if err := s.recorder.Record(ctx, run); err != nil {
		return domain.NewDomainError("Store.RecordInstructionRun", domain.ErrRunLogWrite, err.Error())
	}
	return nil
}

func (s *Store) OnCardsSkipped(count int, instructionTitle string) {
	s.logger.Info("cards already processed, skipped", "count", count, "instruction", instructionTitle)
}

// IsInstructionRunning reports the flag last set by SetInstructionRunning.
func (s *Store) IsInstructionRunning(instructionID string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.running[instructionID]
}

// IsCardProcessing reports the flag last set by SetCardProcessing.
func (s *Store) IsCardProcessing(cardID string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.processing[cardID]
}

// ActiveOperations returns the titles of in-flight AI operations by instruction.
func (s *Store) ActiveOperations() map[string]string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	out := make(map[string]string, len(s.operations))
	for k, v := range s.operations {
		out[k] = v
	}
	return out
}

// Runs returns the most recent instruction runs, oldest first.
func (s *Store) Runs() []domain.InstructionRun {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return append([]domain.InstructionRun(nil), s.runs...)
}
