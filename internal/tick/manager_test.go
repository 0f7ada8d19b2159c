// ABOUTME: Tests for the tick manager scheduling, ordering, error isolation and stop semantics.
// ABOUTME: Uses a manual clock so every timing assertion is deterministic.

package tick

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRegister_InvokesRoughlyEveryInterval(t *testing.T) {
	m, clock := NewManual()

	calls := 0
	stop := m.Register("counter", 3*time.Second, func(context.Context) error {
		calls++
		return nil
	})
	defer stop()

	for i := 0; i < 9; i++ {
		Step(m, clock, time.Second)
	}

	assert.Equal(t, 3, calls)
}

func TestRegister_RoundsIntervalUpToResolution(t *testing.T) {
	m, clock := NewManual()

	calls := 0
	stop := m.Register("fast", 10*time.Millisecond, func(context.Context) error {
		calls++
		return nil
	})
	defer stop()

	Step(m, clock, 500*time.Millisecond)
	assert.Equal(t, 0, calls)

	Step(m, clock, 500*time.Millisecond)
	assert.Equal(t, 1, calls)
}

func TestTick_RunsInRegistrationOrder(t *testing.T) {
	m, clock := NewManual()

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		stop := m.Register(name, time.Second, func(context.Context) error {
			order = append(order, name)
			return nil
		})
		defer stop()
	}

	Step(m, clock, time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestTick_FailingTaskDoesNotHaltOthers(t *testing.T) {
	m, clock := NewManual()

	failing, panicking, healthy := 0, 0, 0
	m.Register("failing", time.Second, func(context.Context) error {
		failing++
		return errors.New("boom")
	})
	m.Register("panicking", time.Second, func(context.Context) error {
		panicking++
		panic("kaboom")
	})
	m.Register("healthy", time.Second, func(context.Context) error {
		healthy++
		return nil
	})

	Step(m, clock, time.Second)
	Step(m, clock, time.Second)

	assert.Equal(t, 2, failing, "failing task is rescheduled")
	assert.Equal(t, 2, panicking, "panicking task is rescheduled")
	assert.Equal(t, 2, healthy)
}

func TestStop_NoFurtherInvocations(t *testing.T) {
	m, clock := NewManual()

	calls := 0
	stop := m.Register("once", time.Second, func(context.Context) error {
		calls++
		return nil
	})

	Step(m, clock, time.Second)
	stop()
	stop() // idempotent

	for i := 0; i < 5; i++ {
		Step(m, clock, time.Second)
	}

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, m.Len())
}

func TestStop_FromWithinCallback(t *testing.T) {
	m, clock := NewManual()

	calls := 0
	var stop func()
	stop = m.Register("self-stopping", time.Second, func(context.Context) error {
		calls++
		stop()
		return nil
	})

	Step(m, clock, time.Second)
	Step(m, clock, time.Second)

	assert.Equal(t, 1, calls)
}

func TestStop_FromAnotherGoroutineDoesNotWaitForRunningCallback(t *testing.T) {
	m, clock := NewManual()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	stop := m.Register("slow", time.Second, func(context.Context) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})

	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		Step(m, clock, time.Second)
	}()
	<-entered

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		stop()
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop waited for the running callback")
	}

	close(release)
	<-tickDone
	Step(m, clock, time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStop_ConcurrentWithTick(t *testing.T) {
	m, clock := NewManual()

	var started atomic.Int64
	stop := m.Register("racy", time.Second, func(context.Context) error {
		started.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			Step(m, clock, time.Second)
		}
	}()

	stop()
	atStop := started.Load()

	wg.Wait()
	// At most the invocation already in flight when stop was called completes.
	assert.LessOrEqual(t, started.Load(), atStop+1)
}

func TestStartStop_BackgroundLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m := New(WithResolution(10 * time.Millisecond))

	fired := make(chan struct{}, 1)
	stop := m.Register("loop", 10*time.Millisecond, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	defer stop()

	m.Start(t.Context())
	m.Start(t.Context()) // no-op while running

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("background loop never fired")
	}

	m.Stop()
	m.Stop()
}

func TestNow_UsesInjectedClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	m := New(WithClock(clock.Now))

	require.Equal(t, start, m.Now())
	clock.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), m.Now())
}
