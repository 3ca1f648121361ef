package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kanban-ai/internal/domain"
)

var t0 = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestDispatcher(gen domain.Generator, clock *fakeClock, cfg DispatcherConfig) *Dispatcher {
	d := NewDispatcher(gen, cfg, newTestLogger(), nil)
	d.now = clock.Now
	return d
}

func execute(t *testing.T, d *Dispatcher, board *fakeBoard, id string, by domain.TriggerType) ExecutionResult {
	t.Helper()
	ic, ok := board.InstructionCard(id)
	require.True(t, ok, "instruction %s", id)
	res, err := d.Execute(context.Background(), ic, domain.Stimulus{TriggeredBy: by, ChannelID: ic.ChannelID}, board)
	require.NoError(t, err)
	return res
}

func TestGenerateCreatesStampedCards(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	gen := &fakeGenerator{cards: []domain.GeneratedCard{
		{Title: "A", Content: "first", Tags: []string{"idea"}, Tasks: []string{"draft", "review"}},
		{Title: "B"},
		{Title: "C"},
	}}
	ic := newInstruction("gen", domain.ActionGenerate, "todo")
	ic.CardCount = 2
	board.putInstruction(ic)
	board.addCard("existing", "ch1", "todo", "Existing")

	d := newTestDispatcher(gen, clock, DispatcherConfig{})
	res := execute(t, d, board, "gen", domain.TriggerScheduled)

	require.NoError(t, res.Err)
	assert.True(t, res.Record.Success)
	assert.Equal(t, 2, res.Record.CardsAffected, "capped at CardCount")
	assert.Len(t, res.Changes, 2)

	var created []domain.Card
	for _, c := range board.Cards() {
		if c.CreatedByInstructionID == "gen" {
			created = append(created, c)
		}
	}
	require.Len(t, created, 2)
	for _, c := range created {
		assert.Equal(t, "todo", c.ColumnID)
	}
	assert.True(t, created[0].HasTag("idea"))
	assert.Len(t, board.Tasks(), 2)
	assert.Len(t, board.tagDefs, 1)

	assert.Equal(t, 2, gen.lastRequest.Count)
	assert.Len(t, gen.lastRequest.ContextCards, 1, "context defaults to the target column")

	stored := board.instruction("gen")
	require.Len(t, stored.ExecutionHistory, 1)
	assert.Equal(t, domain.TriggerScheduled, stored.ExecutionHistory[0].TriggeredBy)
	require.NotNil(t, stored.LastExecutedAt)
	assert.Equal(t, t0, *stored.LastExecutedAt)
	assert.Equal(t, 1, stored.DailyExecutionCount)

	assert.Equal(t, []string{"gen:true", "gen:false"}, board.runningCalls)
	assert.Equal(t, []string{"start:gen", "complete:gen"}, board.aiOps)
	require.Len(t, board.runs, 1)
	assert.Len(t, board.runs[0].Changes, 2)
	assert.Len(t, board.messages, 1)
	assert.False(t, d.IsRunning("gen"))
}

func TestGenerateHonoursGeneratorColumnChoice(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	gen := &fakeGenerator{cards: []domain.GeneratedCard{
		{Title: "to review", ColumnID: "review"},
		{Title: "outside targets", ColumnID: "done"},
	}}
	ic := newInstruction("gen", domain.ActionGenerate, "")
	ic.Target = domain.InstructionTarget{Type: domain.TargetColumns, ColumnIDs: []string{"doing", "review", "ghost"}}
	ic.CardCount = 5
	board.putInstruction(ic)

	res := execute(t, newTestDispatcher(gen, clock, DispatcherConfig{}), board, "gen", domain.TriggerEvent)
	require.True(t, res.Record.Success)

	columns := map[string]string{}
	for _, c := range board.Cards() {
		columns[c.Title] = c.ColumnID
	}
	assert.Equal(t, "review", columns["to review"])
	assert.Equal(t, "doing", columns["outside targets"], "falls back to the first target column")
}

func TestGenerateUnknownTargetFails(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("gen", domain.ActionGenerate, "ghost"))

	gen := &fakeGenerator{}
	res := execute(t, newTestDispatcher(gen, clock, DispatcherConfig{}), board, "gen", domain.TriggerEvent)
	assert.False(t, res.Record.Success)
	assert.ErrorIs(t, res.Err, domain.ErrColumnNotFound)
	generate, _, _ := gen.calls()
	assert.Zero(t, generate)
}

func TestGlobalInstructionResolvesChannelFromTarget(t *testing.T) {
	clock := newFakeClock(t0)
	other := domain.Channel{ID: "ch2", Columns: []domain.Column{{ID: "backlog"}}}
	board := newFakeBoard(clock, other, testChannel)
	ic := newInstruction("global", domain.ActionGenerate, "review")
	ic.ChannelID = ""
	board.putInstruction(ic)

	res := execute(t, newTestDispatcher(&fakeGenerator{}, clock, DispatcherConfig{}), board, "global", domain.TriggerScheduled)
	require.True(t, res.Record.Success)
	cards := board.Cards()
	require.Len(t, cards, 1)
	assert.Equal(t, "ch1", cards[0].ChannelID)
}

// Modifying the same unchanged card twice runs the modification once and
// reports the second attempt as skipped.
func TestModifyIsIdempotent(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.addCard("c1", "ch1", "doing", "Rough title")
	gen := &fakeGenerator{patch: &domain.CardPatch{
		Title:      strPtr("Polished title"),
		Tags:       []string{"polished"},
		Properties: map[string]string{"estimate": "3"},
	}}
	board.putInstruction(newInstruction("mod", domain.ActionModify, "doing"))
	d := newTestDispatcher(gen, clock, DispatcherConfig{})

	clock.Advance(time.Minute)
	first := execute(t, d, board, "mod", domain.TriggerManual)
	require.True(t, first.Record.Success)
	assert.Equal(t, 1, first.Record.CardsAffected)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, "Rough title", first.Changes[0].PreviousTitle)

	card, _ := board.Card("c1")
	assert.Equal(t, "Polished title", card.Title)
	assert.True(t, card.HasTag("polished"))
	assert.Equal(t, "3", card.Properties["estimate"])
	assert.True(t, card.IsProcessedBy("mod"))
	assert.Equal(t, []string{"c1:true", "c1:false"}, board.processing)

	clock.Advance(time.Minute)
	second := execute(t, d, board, "mod", domain.TriggerManual)
	assert.True(t, second.Record.Success)
	assert.Equal(t, 0, second.Record.CardsAffected)
	assert.Equal(t, 1, second.CardsSkipped)
	assert.Equal(t, []int{1}, board.skipped)

	_, modify, _ := gen.calls()
	assert.Equal(t, 1, modify, "underlying modification ran once")
}

func TestModifyRunsAgainAfterCardChanges(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.addCard("c1", "ch1", "doing", "Card")
	gen := &fakeGenerator{patch: &domain.CardPatch{Content: strPtr("summary")}}
	board.putInstruction(newInstruction("mod", domain.ActionModify, "doing"))
	d := newTestDispatcher(gen, clock, DispatcherConfig{})

	execute(t, d, board, "mod", domain.TriggerManual)

	clock.Advance(time.Hour)
	require.NoError(t, board.UpdateCard(context.Background(), "c1", domain.CardPatch{Title: strPtr("Edited by user")}))

	clock.Advance(time.Minute)
	res := execute(t, d, board, "mod", domain.TriggerManual)
	assert.Equal(t, 1, res.Record.CardsAffected)
	_, modify, _ := gen.calls()
	assert.Equal(t, 2, modify)
}

func TestModifyEmptyPatchMarksProcessed(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.addCard("c1", "ch1", "doing", "Card")
	board.putInstruction(newInstruction("mod", domain.ActionModify, "doing"))

	res := execute(t, newTestDispatcher(&fakeGenerator{}, clock, DispatcherConfig{}), board, "mod", domain.TriggerManual)
	assert.True(t, res.Record.Success)
	assert.Equal(t, 0, res.Record.CardsAffected)
	card, _ := board.Card("c1")
	assert.True(t, card.IsProcessedBy("mod"))
	assert.Empty(t, board.messages, "nothing to announce")
}

func TestModifyOnlyStimulusCard(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.addCard("c1", "ch1", "review", "One")
	board.addCard("c2", "ch1", "review", "Two")
	ic := newInstruction("mod", domain.ActionModify, "review")
	board.putInstruction(ic)
	gen := &fakeGenerator{patch: &domain.CardPatch{Content: strPtr("checked")}}

	d := newTestDispatcher(gen, clock, DispatcherConfig{})
	res, err := d.Execute(context.Background(), ic, domain.Stimulus{TriggeredBy: domain.TriggerEvent, ChannelID: "ch1", CardID: "c2"}, board)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Record.CardsAffected)

	c1, _ := board.Card("c1")
	c2, _ := board.Card("c2")
	assert.Empty(t, c1.Content)
	assert.Equal(t, "checked", c2.Content)
}

func TestMoveToFixedColumn(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.addCard("c1", "ch1", "review", "Tagged", "approved")
	board.addCard("c2", "ch1", "review", "Untagged")
	board.addCard("c3", "ch1", "todo", "Elsewhere", "approved")
	ic := newInstruction("mv", domain.ActionMove, "review")
	ic.MoveTargetColumnID = "done"
	ic.MoveFilterTag = "approved"
	board.putInstruction(ic)
	gen := &fakeGenerator{}

	res := execute(t, newTestDispatcher(gen, clock, DispatcherConfig{}), board, "mv", domain.TriggerThreshold)
	require.True(t, res.Record.Success)
	assert.Equal(t, 1, res.Record.CardsAffected)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, domain.CardChange{Kind: domain.ChangeMoved, CardID: "c1", FromColumnID: "review", ToColumnID: "done"}, res.Changes[0])

	c2, _ := board.Card("c2")
	c3, _ := board.Card("c3")
	assert.Equal(t, "review", c2.ColumnID)
	assert.Equal(t, "todo", c3.ColumnID)
	_, _, moves := gen.calls()
	assert.Zero(t, moves, "fixed destination needs no generator")
}

func TestMoveByGeneratorDecision(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.addCard("c1", "ch1", "todo", "One")
	board.addCard("c2", "ch1", "todo", "Two")
	board.putInstruction(newInstruction("mv", domain.ActionMove, "todo"))
	gen := &fakeGenerator{moves: []domain.MoveDecision{
		{CardID: "c1", ToColumnID: "doing"},
		{CardID: "c1", ToColumnID: "done"},    // second decision for the same card
		{CardID: "c2", ToColumnID: "nowhere"}, // unknown column
		{CardID: "ghost", ToColumnID: "done"}, // not a candidate
	}}

	res := execute(t, newTestDispatcher(gen, clock, DispatcherConfig{}), board, "mv", domain.TriggerScheduled)
	require.True(t, res.Record.Success)
	assert.Equal(t, 1, res.Record.CardsAffected)
	c1, _ := board.Card("c1")
	c2, _ := board.Card("c2")
	assert.Equal(t, "doing", c1.ColumnID)
	assert.Equal(t, "todo", c2.ColumnID)
}

// A failing action records a failure, counts toward the daily cap and
// leaves lastExecutedAt alone.
func TestExecutionFailureIsRecorded(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	ic := newInstruction("gen", domain.ActionGenerate, "todo")
	prev := t0.Add(-3 * time.Hour)
	ic.LastExecutedAt = &prev
	board.putInstruction(ic)

	res := execute(t, newTestDispatcher(&fakeGenerator{err: errGenerator}, clock, DispatcherConfig{}), board, "gen", domain.TriggerEvent)

	assert.False(t, res.Record.Success)
	assert.Equal(t, 0, res.Record.CardsAffected)
	assert.NotEmpty(t, res.Record.Error)
	assert.ErrorIs(t, res.Err, domain.ErrActionFailed)

	stored := board.instruction("gen")
	require.NotNil(t, stored.LastExecutedAt)
	assert.Equal(t, prev, *stored.LastExecutedAt)
	assert.Equal(t, 1, stored.DailyExecutionCount)
	require.Len(t, stored.ExecutionHistory, 1)
	assert.False(t, stored.ExecutionHistory[0].Success)
	assert.Equal(t, []string{"gen:true", "gen:false"}, board.runningCalls)
	require.Len(t, board.runs, 1)
	assert.False(t, board.runs[0].Success)
	assert.Empty(t, board.messages)
}

func TestPanickingGeneratorIsContained(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("gen", domain.ActionGenerate, "todo"))
	d := newTestDispatcher(&fakeGenerator{panicWith: "boom"}, clock, DispatcherConfig{})

	res := execute(t, d, board, "gen", domain.TriggerEvent)
	assert.False(t, res.Record.Success)
	assert.Contains(t, res.Record.Error, "boom")
	assert.False(t, d.IsRunning("gen"))
}

func TestUnknownAction(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("odd", "archive", "todo"))

	res := execute(t, newTestDispatcher(&fakeGenerator{}, clock, DispatcherConfig{}), board, "odd", domain.TriggerEvent)
	assert.ErrorIs(t, res.Err, domain.ErrUnknownAction)
	assert.Equal(t, domain.CodeUnknownAction, domain.ErrorCodeOf(res.Err))
}

func TestHistoryIsCappedMostRecentFirst(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("gen", domain.ActionGenerate, "todo"))
	d := newTestDispatcher(&fakeGenerator{}, clock, DispatcherConfig{HistoryLimit: 3})

	for i := 0; i < 5; i++ {
		execute(t, d, board, "gen", domain.TriggerScheduled)
		clock.Advance(time.Minute)
	}

	history := board.instruction("gen").ExecutionHistory
	require.Len(t, history, 3)
	assert.Equal(t, t0.Add(4*time.Minute), history[0].Timestamp)
	assert.Equal(t, t0.Add(2*time.Minute), history[2].Timestamp)
}

func TestDailyCounterResetsAtDayBoundary(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	ic := newInstruction("gen", domain.ActionGenerate, "todo")
	yesterday := t0.Add(-24 * time.Hour)
	ic.DailyExecutionCount = 7
	ic.DailyCountResetAt = &yesterday
	board.putInstruction(ic)
	d := newTestDispatcher(&fakeGenerator{}, clock, DispatcherConfig{})

	execute(t, d, board, "gen", domain.TriggerScheduled)
	stored := board.instruction("gen")
	assert.Equal(t, 1, stored.DailyExecutionCount)
	require.NotNil(t, stored.DailyCountResetAt)
	assert.Equal(t, t0, *stored.DailyCountResetAt)

	clock.Advance(time.Hour)
	execute(t, d, board, "gen", domain.TriggerScheduled)
	stored = board.instruction("gen")
	assert.Equal(t, 2, stored.DailyExecutionCount)
	assert.Equal(t, t0, *stored.DailyCountResetAt, "reset happens once per day")
}

func TestNextScheduledRunIsRecomputed(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	ic := automaticInstruction("hourly", domain.ActionGenerate, "todo", domain.AutomaticTrigger{
		Type:      domain.TriggerScheduled,
		Scheduled: &domain.ScheduledTrigger{Interval: domain.IntervalHourly},
	})
	board.putInstruction(ic)

	execute(t, newTestDispatcher(&fakeGenerator{}, clock, DispatcherConfig{}), board, "hourly", domain.TriggerScheduled)
	next := board.instruction("hourly").NextScheduledRun
	require.NotNil(t, next)
	assert.Equal(t, t0.Add(time.Hour), *next)
}

func TestRunningTokenBlocksSecondExecution(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("gen", domain.ActionGenerate, "todo"))
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(gen, clock, DispatcherConfig{})
	ic := board.instruction("gen")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Execute(context.Background(), ic, domain.Stimulus{TriggeredBy: domain.TriggerEvent}, board)
	}()
	<-gen.started
	assert.True(t, d.IsRunning("gen"))

	_, err := d.Execute(context.Background(), ic, domain.Stimulus{TriggeredBy: domain.TriggerEvent}, board)
	assert.ErrorIs(t, err, domain.ErrInstructionRunning)

	_, err = d.ExecuteGuarded(context.Background(), "gen", domain.Stimulus{}, board, nil)
	assert.ErrorIs(t, err, domain.ErrInstructionRunning)

	close(gen.block)
	wg.Wait()
	assert.False(t, d.IsRunning("gen"))
	assert.Len(t, board.instruction("gen").ExecutionHistory, 1)

	_, err = d.Execute(context.Background(), board.instruction("gen"), domain.Stimulus{TriggeredBy: domain.TriggerEvent}, board)
	assert.NoError(t, err, "token is released after the run")
}

func TestExecuteGuardedRereadsInstruction(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("gen", domain.ActionGenerate, "todo"))
	d := newTestDispatcher(&fakeGenerator{}, clock, DispatcherConfig{})

	execute(t, d, board, "gen", domain.TriggerEvent)

	var seen domain.InstructionCard
	denied := errors.New("denied")
	_, err := d.ExecuteGuarded(context.Background(), "gen", domain.Stimulus{}, board, func(ic domain.InstructionCard) error {
		seen = ic
		return denied
	})
	assert.ErrorIs(t, err, denied)
	assert.Len(t, seen.ExecutionHistory, 1, "check sees the committed history")
	assert.Len(t, board.instruction("gen").ExecutionHistory, 1, "denied run leaves no record")

	_, err = d.ExecuteGuarded(context.Background(), "missing", domain.Stimulus{}, board, nil)
	assert.ErrorIs(t, err, domain.ErrInstructionNotFound)
}

func TestAbortSignalCancelsAction(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("gen", domain.ActionGenerate, "todo"))
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(gen, clock, DispatcherConfig{})

	done := make(chan ExecutionResult, 1)
	go func() {
		res, _ := d.Execute(context.Background(), board.instruction("gen"), domain.Stimulus{TriggeredBy: domain.TriggerEvent}, board)
		done <- res
	}()
	<-gen.started
	close(board.abort)

	select {
	case res := <-done:
		assert.False(t, res.Record.Success)
		assert.ErrorIs(t, res.Err, domain.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted run did not return")
	}
	assert.Len(t, board.instruction("gen").ExecutionHistory, 1, "bookkeeping survives the abort")
}

func TestActionTimeout(t *testing.T) {
	clock := newFakeClock(t0)
	board := newFakeBoard(clock, testChannel)
	board.putInstruction(newInstruction("gen", domain.ActionGenerate, "todo"))
	gen := &fakeGenerator{block: make(chan struct{})}
	d := newTestDispatcher(gen, clock, DispatcherConfig{ActionTimeout: 20 * time.Millisecond})

	res := execute(t, d, board, "gen", domain.TriggerEvent)
	assert.False(t, res.Record.Success)
	assert.ErrorIs(t, res.Err, domain.ErrActionFailed)
}
