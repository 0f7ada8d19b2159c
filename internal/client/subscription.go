// ABOUTME: Client-side view of a registry subscription delivered as a channel of events.
// ABOUTME: Mirrors the registry's bounded queue; overflow ends the subscription.

package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/coven-net/internal/network"
)

// Subscription delivers registry events matching its filter on C. C is
// closed when the subscription ends for any reason.
type Subscription struct {
	ID     string
	Filter network.Filter
	C      <-chan network.Event

	client *Client
	ref    string
	ch     chan network.Event

	mu         sync.Mutex
	finished   bool
	overflowed atomic.Bool
}

// Overflowed reports whether the subscription ended because events arrived
// faster than they were consumed, here or at the registry. Resynchronise
// with List before subscribing again.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

// Subscribe opens a subscription for filter.
func (c *Client) Subscribe(ctx context.Context, filter network.Filter) (*Subscription, error) {
	ch := make(chan network.Event, network.SubscriberBufferSize)
	s := &Subscription{
		Filter: filter,
		C:      ch,
		client: c,
		ref:    uuid.New().String(),
		ch:     ch,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[s.ref] = s
	c.mu.Unlock()

	var res network.SubscribeResult
	if err := c.call(ctx, network.MethodSubscribe, network.SubscribeParams{Filter: filter, Ref: s.ref}, &res); err != nil {
		c.dropSub(s.ref)
		s.finish(false)
		return nil, err
	}

	s.mu.Lock()
	s.ID = res.ID
	s.mu.Unlock()
	return s, nil
}

// OnUpdate calls fn for every event matching filter until stop is called or
// the subscription ends.
func (c *Client) OnUpdate(ctx context.Context, filter network.Filter, fn func(network.Event)) (stop func(), err error) {
	s, err := c.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.C {
			fn(ev)
		}
	}()
	return func() {
		_ = s.Close()
		<-done
	}, nil
}

// Close ends the subscription at the registry and locally.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil
	}
	id := s.ID
	s.mu.Unlock()

	s.client.dropSub(s.ref)
	s.finish(false)

	if id == "" || s.client.isClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.client.call(ctx, network.MethodUnsubscribe, network.UnsubscribeParams{ID: id}, nil); err != nil && !isGone(err) {
		return err
	}
	return nil
}

// deliver runs on the connection's read loop and must not block.
func (s *Subscription) deliver(u network.Update) {
	if u.Closed {
		s.client.dropSub(s.ref)
		s.finish(u.Overflowed)
		return
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- u.Event:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()

	// Local queue is full; end the subscription like the registry would.
	s.client.dropSub(s.ref)
	s.finish(true)
	id := u.Subscription
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = s.client.call(ctx, network.MethodUnsubscribe, network.UnsubscribeParams{ID: id}, nil)
	}()
}

func (s *Subscription) finish(overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if overflowed {
		s.overflowed.Store(true)
	}
	close(s.ch)
}

func (c *Client) dropSub(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, ref)
}

func isGone(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, network.ErrSubscriptionClosed)
}
