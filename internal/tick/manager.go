// ABOUTME: Process-wide cooperative scheduler driving all periodic work.
// ABOUTME: Tasks run in registration order when due; failures are logged, never fatal.

package tick

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultResolution is the pulse interval of the background loop.
const DefaultResolution = time.Second

// Func is a periodic callback. A returned error is logged and the task is
// rescheduled on its normal interval.
type Func func(ctx context.Context) error

type task struct {
	id       uint64
	name     string
	interval time.Duration
	nextDue  time.Time
	fn       Func

	mu      sync.Mutex // held while fn runs
	running atomic.Bool
	stopped atomic.Bool
}

// Manager schedules periodic tasks at a coarse granularity.
type Manager struct {
	mu     sync.Mutex
	tasks  []*task
	nextID uint64

	resolution time.Duration
	clock      func() time.Time
	logger     *slog.Logger

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithResolution sets the background loop pulse interval.
func WithResolution(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resolution = d
		}
	}
}

// WithClock replaces the wall clock, typically with ManualClock.Now.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the logger used to report task failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a Manager. The background loop is not started until Start.
func New(opts ...Option) *Manager {
	m := &Manager{
		resolution: DefaultResolution,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "tick")
	return m
}

// Now returns the manager's notion of the current time.
func (m *Manager) Now() time.Time {
	return m.clock()
}

// Resolution returns the pulse interval of the background loop.
func (m *Manager) Resolution() time.Duration {
	return m.resolution
}

// Register schedules fn every interval and returns a stop handle. Intervals
// shorter than the resolution are rounded up to one pulse. Once stop returns,
// no further invocation of fn begins. stop does not wait for an invocation
// that is already running, whichever goroutine calls it, so it is safe to
// call from within fn and more than once.
func (m *Manager) Register(name string, interval time.Duration, fn Func) (stop func()) {
	if interval < m.resolution {
		interval = m.resolution
	}

	m.mu.Lock()
	m.nextID++
	t := &task{
		id:       m.nextID,
		name:     name,
		interval: interval,
		nextDue:  m.clock().Add(interval),
		fn:       fn,
	}
	m.tasks = append(m.tasks, t)
	m.mu.Unlock()

	return func() { m.stopTask(t) }
}

func (m *Manager) stopTask(t *task) {
	if t.stopped.Swap(true) {
		return
	}

	m.mu.Lock()
	for i, other := range m.tasks {
		if other.id == t.id {
			m.tasks = append(m.tasks[:i:i], m.tasks[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	// An invocation holding t.mu that has not reached its stopped check yet
	// would still run fn; waiting for t.mu closes that gap. Once fn is
	// running, stop returns without waiting for it.
	if !t.running.Load() {
		t.mu.Lock()
		t.mu.Unlock() //nolint:staticcheck // barrier
	}
}

// Len returns the number of registered tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Tick runs one pulse: every task whose next-due time has elapsed is invoked
// in registration order.
func (m *Manager) Tick(ctx context.Context) {
	now := m.clock()

	m.mu.Lock()
	due := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !now.Before(t.nextDue) {
			due = append(due, t)
			t.nextDue = now.Add(t.interval)
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		m.invoke(ctx, t)
	}
}

func (m *Manager) invoke(ctx context.Context, t *task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped.Load() {
		return
	}
	t.running.Store(true)
	defer t.running.Store(false)

	if err := safeCall(ctx, t.fn); err != nil {
		m.logger.Error("tick task failed", "task", t.name, "error", err)
	}
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Start launches the background loop. Calling Start on a running manager is
// a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, m.done)
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.resolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Stop halts the background loop and waits for an in-progress pulse to end.
// Registered tasks are kept; a later Start resumes them.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if !m.running {
		return
	}
	m.cancel()
	<-m.done
	m.running = false
}
