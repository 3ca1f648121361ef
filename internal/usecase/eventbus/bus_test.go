package eventbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kanban-ai/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), DefaultDedupSize)
}

func cardEvent(id string) domain.CardEvent {
	return domain.CardEvent{
		ID:         id,
		Type:       domain.CardMoved,
		CardID:     "card-1",
		ChannelID:  "ch1",
		ToColumnID: "review",
		Timestamp:  time.Now(),
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got []domain.CardEvent
	bus.SubscribeCardEvents(func(_ context.Context, e domain.CardEvent) {
		got = append(got, e)
	})

	bus.PublishCardEvent(context.Background(), cardEvent("e1"))
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].ToColumnID != "review" {
		t.Errorf("ToColumnID = %q, want review", got[0].ToColumnID)
	}
}

func TestTopicsAreSeparate(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var cards, checks int
	bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { cards++ })
	bus.SubscribeThresholdChecks(func(context.Context, domain.ThresholdCheck) { checks++ })

	bus.PublishThresholdCheck(context.Background(), domain.ThresholdCheck{ID: "t1", ChannelID: "ch1"})
	if cards != 0 || checks != 1 {
		t.Fatalf("cards=%d checks=%d, want 0 and 1", cards, checks)
	}

	// The same ID on the other topic is not a duplicate.
	bus.PublishCardEvent(context.Background(), cardEvent("t1"))
	if cards != 1 {
		t.Fatalf("cards=%d, want 1", cards)
	}
}

func TestPublishOrder(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var order []string
	bus.SubscribeCardEvents(func(_ context.Context, e domain.CardEvent) {
		order = append(order, "a:"+e.ID)
	})
	bus.SubscribeCardEvents(func(_ context.Context, e domain.CardEvent) {
		order = append(order, "b:"+e.ID)
	})

	for i := 1; i <= 3; i++ {
		bus.PublishCardEvent(context.Background(), cardEvent(fmt.Sprintf("e%d", i)))
	}

	want := []string{"a:e1", "b:e1", "a:e2", "b:e2", "a:e3", "b:e3"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestDuplicateSuppressed(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got int
	bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { got++ })

	bus.PublishCardEvent(context.Background(), cardEvent("same"))
	bus.PublishCardEvent(context.Background(), cardEvent("same"))
	if got != 1 {
		t.Fatalf("expected at most once delivery, got %d", got)
	}

	// Messages without an ID are never deduplicated.
	bus.PublishCardEvent(context.Background(), cardEvent(""))
	bus.PublishCardEvent(context.Background(), cardEvent(""))
	if got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
}

func TestDedupDisabled(t *testing.T) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	defer bus.Close()

	var got int
	bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { got++ })
	bus.PublishCardEvent(context.Background(), cardEvent("same"))
	bus.PublishCardEvent(context.Background(), cardEvent("same"))
	if got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var a, b int
	unsubA := bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { a++ })
	bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { b++ })

	bus.PublishCardEvent(context.Background(), cardEvent("e1"))
	unsubA()
	unsubA() // idempotent
	bus.PublishCardEvent(context.Background(), cardEvent("e2"))

	if a != 1 || b != 2 {
		t.Fatalf("a=%d b=%d, want 1 and 2", a, b)
	}
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	bus.PublishCardEvent(context.Background(), cardEvent("early"))

	var got int
	bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { got++ })
	if got != 0 {
		t.Fatalf("late subscriber received %d messages", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var after int
	bus.SubscribeThresholdChecks(func(context.Context, domain.ThresholdCheck) {
		panic("test panic")
	})
	bus.SubscribeThresholdChecks(func(context.Context, domain.ThresholdCheck) { after++ })

	bus.PublishThresholdCheck(context.Background(), domain.ThresholdCheck{ID: "t1"})
	if after != 1 {
		t.Fatalf("subscriber after a panicking one got %d messages, want 1", after)
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()

	var got int
	bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { got++ })
	bus.Close()
	bus.Close() // idempotent

	bus.PublishCardEvent(context.Background(), cardEvent("e1"))
	if got != 0 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}

func TestCloseWaitsForInFlightDelivery(t *testing.T) {
	bus := newTestBus()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) {
		close(started)
		<-release
		finished.Store(true)
	})

	go bus.PublishCardEvent(context.Background(), cardEvent("slow"))
	<-started

	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closed
	if !finished.Load() {
		t.Fatal("handler did not finish before Close returned")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.SubscribeCardEvents(func(context.Context, domain.CardEvent) { got.Add(1) })
			defer unsub()
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.PublishCardEvent(context.Background(), cardEvent(fmt.Sprintf("e-%d-%d", i, j)))
			}
		}(i)
	}
	wg.Wait()
}

func TestReentrantPublish(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var checks int
	bus.SubscribeThresholdChecks(func(context.Context, domain.ThresholdCheck) { checks++ })
	bus.SubscribeCardEvents(func(ctx context.Context, e domain.CardEvent) {
		bus.PublishThresholdCheck(ctx, domain.ThresholdCheck{ID: "after-" + e.ID, ChannelID: e.ChannelID})
	})

	bus.PublishCardEvent(context.Background(), cardEvent("e1"))
	if checks != 1 {
		t.Fatalf("checks = %d, want 1", checks)
	}
}
