package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"kanban-ai/internal/domain"
)

// DefaultDedupSize is how many recent message IDs a bus remembers.
const DefaultDedupSize = 1024

var _ domain.EventBus = (*Bus)(nil)

type subscription[H any] struct {
	id      uint64
	handler H
}

// topic is one message kind with its own subscriber list.
type topic[H any] struct {
	mu   sync.RWMutex
	subs []subscription[H]
}

func (t *topic[H]) add(id uint64, h H) func() {
	t.mu.Lock()
	t.subs = append(t.subs, subscription[H]{id: id, handler: h})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

func (t *topic[H]) snapshot() []subscription[H] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]subscription[H], len(t.subs))
	copy(out, t.subs)
	return out
}

// Bus is an in-process, goroutine-safe event bus with one topic for card
// events and one for threshold checks. Handlers run synchronously on the
// publishing goroutine, in subscription order. A message is delivered at
// most once: repeated IDs seen recently are dropped.
type Bus struct {
	cardEvents      topic[domain.CardEventHandler]
	thresholdChecks topic[domain.ThresholdCheckHandler]
	nextID          atomic.Uint64

	seen   *lru.Cache[string, struct{}]
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against wg.Add
	closed bool
	wg     sync.WaitGroup
}

// New creates an event bus remembering up to dedupSize message IDs.
// dedupSize <= 0 disables duplicate suppression.
func New(logger *slog.Logger, dedupSize int) *Bus {
	b := &Bus{logger: logger}
	if dedupSize > 0 {
		// lru.New only fails for a non-positive size.
		b.seen, _ = lru.New[string, struct{}](dedupSize)
	}
	return b
}

// PublishCardEvent delivers event to all current card-event subscribers.
func (b *Bus) PublishCardEvent(ctx context.Context, event domain.CardEvent) {
	if !b.begin("card", event.ID) {
		return
	}
	defer b.wg.Done()

	for _, sub := range b.cardEvents.snapshot() {
		b.deliver(string(event.Type), func() { sub.handler(ctx, event) })
	}
}

// PublishThresholdCheck delivers check to all current threshold subscribers.
func (b *Bus) PublishThresholdCheck(ctx context.Context, check domain.ThresholdCheck) {
	if !b.begin("threshold", check.ID) {
		return
	}
	defer b.wg.Done()

	for _, sub := range b.thresholdChecks.snapshot() {
		b.deliver("threshold_check", func() { sub.handler(ctx, check) })
	}
}

// begin registers an in-flight publish. It returns false when the bus is
// closed or a message with the same ID was already delivered.
func (b *Bus) begin(kind, id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	if b.seen != nil && id != "" {
		if found, _ := b.seen.ContainsOrAdd(kind+":"+id, struct{}{}); found {
			b.logger.Debug("duplicate message dropped", "kind", kind, "id", id)
			return false
		}
	}
	b.wg.Add(1)
	return true
}

func (b *Bus) deliver(kind string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", kind,
				"panic", r,
			)
		}
	}()
	call()
}

// SubscribeCardEvents registers a handler for card events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeCardEvents(handler domain.CardEventHandler) func() {
	return b.cardEvents.add(b.nextID.Add(1), handler)
}

// SubscribeThresholdChecks registers a handler for threshold checks.
// Returns an unsubscribe function.
func (b *Bus) SubscribeThresholdChecks(handler domain.ThresholdCheckHandler) func() {
	return b.thresholdChecks.add(b.nextID.Add(1), handler)
}

// Close drops later publishes and waits for in-flight deliveries.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
