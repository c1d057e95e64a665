// Package alert fans opened cases out to live analyst streams.
//
// Cases are published on the event bus so every Harrier instance sharing a
// NATS or Redis bus sees them. Each instance keeps one bus subscription and
// copies every alert into a bounded channel per local subscriber. A
// subscriber that falls behind loses alerts; it never slows the pipeline.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

// Broadcaster publishes opened cases and streams them to subscribers.
type Broadcaster struct {
	bus        domain.EventBus
	bufferSize int

	mu          sync.RWMutex
	subscribers map[uint64]chan *domain.Case
	nextID      uint64
	sub         domain.Subscription
	closed      bool
}

// NewBroadcaster creates a broadcaster on top of an event bus.
func NewBroadcaster(bus domain.EventBus, bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		bus:         bus,
		bufferSize:  bufferSize,
		subscribers: make(map[uint64]chan *domain.Case),
	}
}

// Start subscribes to the case-opened topic. It must be called once before
// alerts reach local subscribers.
func (b *Broadcaster) Start(ctx context.Context) error {
	sub, err := b.bus.Subscribe(ctx, domain.TopicCaseOpened, b.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicCaseOpened, err)
	}

	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	slog.Info("alert broadcaster started", "topic", domain.TopicCaseOpened)
	return nil
}

// Publish announces an opened case.
func (b *Broadcaster) Publish(ctx context.Context, c *domain.Case) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal case: %w", err)
	}
	return b.bus.Publish(ctx, domain.TopicCaseOpened, payload)
}

// Subscribe registers a live subscriber. The returned function removes it
// and closes the channel; calling it more than once is safe.
func (b *Broadcaster) Subscribe() (<-chan *domain.Case, func()) {
	ch := make(chan *domain.Case, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	n := len(b.subscribers)
	b.mu.Unlock()

	metrics.AlertSubscribers.Set(float64(n))

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close stops the bus subscription and closes every subscriber channel.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sub := b.sub
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	metrics.AlertSubscribers.Set(0)

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()

	metrics.AlertSubscribers.Set(float64(n))
}

func (b *Broadcaster) dispatch(ctx context.Context, msg *domain.Message) error {
	var c domain.Case
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		return fmt.Errorf("failed to unmarshal case alert: %w", err)
	}
	b.fanout(&c)
	return nil
}

func (b *Broadcaster) fanout(c *domain.Case) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- c:
		default:
			metrics.AlertsDropped.Inc()
			slog.Warn("alert subscriber lagging, dropping alert", "subscriber", id, "case_id", c.ID)
		}
	}
}
