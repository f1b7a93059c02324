package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dantte-lp/goacd/internal/acd"
)

// subscriberChSize is the buffer size of each event stream subscriber.
const subscriberChSize = 32

// Broker fans manager notifications out to event stream subscribers.
//
// A subscriber that falls behind loses events rather than blocking the
// broker; the drop is logged at Warn, the same policy the Manager applies
// to its own notification channel.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]chan acd.StateChange
	nextID uint64
	closed bool

	logger *slog.Logger
}

// NewBroker creates a Broker with no subscribers.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[uint64]chan acd.StateChange),
		logger: logger.With(slog.String("component", "server.broker")),
	}
}

// Subscribe registers a subscriber. The returned cancel func unsubscribes
// and closes the channel; it is safe to call more than once. After the
// broker has shut down, Subscribe returns an already closed channel.
func (b *Broker) Subscribe() (<-chan acd.StateChange, func()) {
	ch := make(chan acd.StateChange, subscriberChSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() { b.unsubscribe(id) }
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers sc to every subscriber without blocking.
func (b *Broker) Publish(sc acd.StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- sc:
		default:
			b.logger.Warn("event subscriber channel full, dropping event",
				slog.Uint64("subscriber", id),
				slog.String("key", sc.Key),
				slog.String("event", sc.Event.String()),
			)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run publishes every notification from events until ctx is cancelled or
// events is closed, then closes all subscriber channels so streaming
// handlers return and HTTP shutdown can complete.
func (b *Broker) Run(ctx context.Context, events <-chan acd.StateChange) {
	defer b.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-events:
			if !ok {
				return
			}
			b.logger.Debug("publishing event",
				slog.String("key", sc.Key),
				slog.String("event", sc.Event.String()),
			)
			b.Publish(sc)
		}
	}
}

func (b *Broker) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
