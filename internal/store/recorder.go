// ABOUTME: Asynchronous writer feeding registry events into the journal
// ABOUTME: Observe never blocks the registry; a full queue drops and counts the event

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-net/internal/network"
)

// RecorderQueueSize bounds the events waiting to be written.
const RecorderQueueSize = 1024

const writeTimeout = 5 * time.Second

type stamped struct {
	ev network.Event
	at time.Time
}

// Recorder appends every observed event to a Journal on its own goroutine.
type Recorder struct {
	journal *Journal
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	queue   chan stamped
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewRecorder starts a recorder. now stamps each event as it is observed.
func NewRecorder(j *Journal, now func() time.Time, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	r := &Recorder{
		journal: j,
		now:     now,
		logger:  logger.With("component", "journal-recorder"),
		queue:   make(chan stamped, RecorderQueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe queues ev for writing. It is a network.Observer.
func (r *Recorder) Observe(ev network.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- stamped{ev: ev, at: r.now()}:
	default:
		r.dropped.Add(1)
		r.logger.Warn("journal queue full, dropping event")
	}
}

// Dropped returns how many events were discarded on a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns how many entries reached the journal.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Close writes what is queued and stops the recorder.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for s := range r.queue {
		entries := EntriesFor(s.ev, s.at)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.journal.Append(ctx, entries)
		cancel()
		if err != nil {
			r.logger.Error("writing journal entries", "error", err)
			continue
		}
		r.written.Add(uint64(len(entries)))
	}
}
