// ABOUTME: In-memory fan-out of network events to per-subscriber bounded queues
// ABOUTME: A subscriber that falls behind is closed and flagged instead of silently losing events

package network

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SubscriberBufferSize is the queue length of each subscription.
const SubscriberBufferSize = 64

// Subscription is one subscriber's view of the event stream. C is closed on
// Unsubscribe, when the client session ends, or on overflow.
type Subscription struct {
	ID     string
	Client ClientUUID
	Filter Filter
	C      <-chan Event

	ch         chan Event
	done       chan struct{}
	overflowed atomic.Bool
}

// Overflowed reports whether the subscription was closed because its queue
// filled up. The consumer should resynchronise from List.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

type broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	order  []string
	logger *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "broadcaster"),
	}
}

// subscribe registers a subscription. It is removed automatically when ctx
// is cancelled.
func (b *broadcaster) subscribe(ctx context.Context, client ClientUUID, filter Filter) *Subscription {
	ch := make(chan Event, SubscriberBufferSize)
	sub := &Subscription{
		ID:     uuid.New().String(),
		Client: client,
		Filter: filter,
		C:      ch,
		ch:     ch,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.order = append(b.order, sub.ID)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", sub.ID, "client", client, "kind", filter.Kind)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				b.unsubscribe(sub.ID)
			case <-sub.done:
			}
		}()
	}
	return sub
}

// publish delivers ev to every subscriber whose filter lets part of it
// through. Never blocks.
func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.subs[id])
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		filtered := sub.Filter.Apply(ev)
		if filtered.Empty() {
			continue
		}
		if !b.deliver(sub, filtered) {
			b.logger.Warn("subscriber overflowed, closing", "sub_id", sub.ID, "client", sub.Client)
			sub.overflowed.Store(true)
			b.unsubscribe(sub.ID)
		}
	}
}

// deliver sends under the read lock so a concurrent unsubscribe cannot close
// the channel mid-send.
func (b *broadcaster) deliver(sub *Subscription, ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.subs[sub.ID]; !ok {
		return true
	}
	select {
	case sub.ch <- ev:
		return true
	default:
		return false
	}
}

// unsubscribe removes a subscription and closes its channel.
func (b *broadcaster) unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *broadcaster) removeLocked(id string) bool {
	sub, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	for i, other := range b.order {
		if other == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	close(sub.ch)
	close(sub.done)

	b.logger.Debug("subscriber removed", "sub_id", id, "client", sub.Client)
	return true
}

// owner returns the client of a subscription.
func (b *broadcaster) owner(id string) (ClientUUID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subs[id]
	if !ok {
		return "", false
	}
	return sub.Client, true
}

// closeClient removes every subscription of client.
func (b *broadcaster) closeClient(client ClientUUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range append([]string(nil), b.order...) {
		if b.subs[id].Client == client {
			b.removeLocked(id)
		}
	}
}

func (b *broadcaster) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// close shuts down the broadcaster and closes all subscriber channels.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range append([]string(nil), b.order...) {
		b.removeLocked(id)
	}
	b.logger.Debug("broadcaster closed")
}
