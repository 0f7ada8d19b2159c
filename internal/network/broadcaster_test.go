// ABOUTME: Tests for the event broadcaster's delivery, filtering and lifecycle.
// ABOUTME: Exercises context-driven unsubscribe and per-client teardown.

package network

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func addedEvent(uuid ContainerUUID, kind ContainerKind) Event {
	return Event{Containers: []ContainerEvent{{Kind: EventAdded, Container: ContainerRecord{UUID: uuid, Kind: kind}}}}
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := newBroadcaster(slog.Default())
	defer b.close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.subscribe(ctx, "client", Filter{})
	assert.Equal(t, 1, b.len())

	cancel()
	select {
	case _, open := <-sub.C:
		assert.False(t, open)
	case <-time.After(waitTimeout):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Zero(t, b.len())
	assert.False(t, b.unsubscribe(sub.ID))
}

func TestBroadcaster_FilterAndOrder(t *testing.T) {
	b := newBroadcaster(slog.Default())
	defer b.close()

	dbs := b.subscribe(context.Background(), "a", Filter{Kind: "db"})
	all := b.subscribe(context.Background(), "b", Filter{})

	b.publish(addedEvent("c1", "cache"))
	b.publish(addedEvent("d1", "db"))
	b.publish(addedEvent("d2", "db"))

	require.Len(t, all.C, 3)
	require.Len(t, dbs.C, 2)
	first := <-dbs.C
	second := <-dbs.C
	assert.Equal(t, ContainerUUID("d1"), first.Containers[0].Container.UUID)
	assert.Equal(t, ContainerUUID("d2"), second.Containers[0].Container.UUID)
}

func TestBroadcaster_CloseClient(t *testing.T) {
	b := newBroadcaster(slog.Default())
	defer b.close()

	s1 := b.subscribe(context.Background(), "gone", Filter{})
	s2 := b.subscribe(context.Background(), "gone", Filter{Kind: "db"})
	keep := b.subscribe(context.Background(), "stays", Filter{})

	b.closeClient("gone")
	_, open1 := <-s1.C
	_, open2 := <-s2.C
	assert.False(t, open1)
	assert.False(t, open2)

	b.publish(addedEvent("d1", "db"))
	assert.Len(t, keep.C, 1)

	owner, ok := b.owner(keep.ID)
	require.True(t, ok)
	assert.Equal(t, ClientUUID("stays"), owner)
	_, ok = b.owner(s1.ID)
	assert.False(t, ok)
}

func TestBroadcaster_CloseEndsEverything(t *testing.T) {
	b := newBroadcaster(slog.Default())
	subs := []*Subscription{
		b.subscribe(context.Background(), "a", Filter{}),
		b.subscribe(context.Background(), "b", Filter{}),
	}
	b.close()
	for _, s := range subs {
		_, open := <-s.C
		assert.False(t, open)
		assert.False(t, s.Overflowed())
	}
	b.publish(addedEvent("late", "db"))
}
