// ABOUTME: Tests for the SQLite network journal
// ABOUTME: Covers schema creation, append/read ordering, paging and the async recorder

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-net/internal/network"
)

func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		j.Close()
	})
	return j
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func containerEvent(kind network.EventKind, uuid string) network.Event {
	return network.Event{Containers: []network.ContainerEvent{{
		Kind: kind,
		Container: network.ContainerRecord{
			UUID:   network.ContainerUUID(uuid),
			Kind:   "db",
			Agent:  "a1",
			Labels: network.Labels{"region": "eu"},
			State:  network.StateActive,
			Endpoint: &network.EndpointRef{
				Host: "10.0.0.1", Port: 4000, Agent: "a1", Container: network.ContainerUUID(uuid),
			},
		},
	}}}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "journal.db")
	j, err := Open(path, nil)
	require.NoError(t, err)
	defer j.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Memory(t *testing.T) {
	j, err := Open(MemoryPath, nil)
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.Append(ctx, EntriesFor(containerEvent(network.EventAdded, "c1"), t0)))
	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEntriesFor(t *testing.T) {
	ev := containerEvent(network.EventAdded, "c1")
	ev.Agents = []network.AgentEvent{{Kind: network.EventAdded, Agent: "a1", Kinds: []network.ContainerKind{"db", "cache"}}}

	entries := EntriesFor(ev, t0)
	require.Len(t, entries, 2)

	assert.Equal(t, Entry{
		Time:     t0,
		Subject:  SubjectContainer,
		Event:    network.EventAdded,
		UUID:     "c1",
		Kind:     "db",
		Agent:    "a1",
		Labels:   "region=eu",
		State:    "active",
		Endpoint: "10.0.0.1:4000/a1/c1",
	}, entries[0])
	assert.Equal(t, Entry{
		Time:    t0,
		Subject: SubjectAgent,
		Event:   network.EventAdded,
		UUID:    "a1",
		Kind:    "db,cache",
		Agent:   "a1",
	}, entries[1])
}

func TestJournal_AppendAndRecent(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	first := EntriesFor(containerEvent(network.EventAdded, "c1"), t0)
	require.NoError(t, j.Append(ctx, first))
	assert.NotZero(t, first[0].Seq)

	second := EntriesFor(containerEvent(network.EventRemoved, "c1"), t0.Add(time.Second))
	require.NoError(t, j.Append(ctx, second))
	assert.Greater(t, second[0].Seq, first[0].Seq)

	recent, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, network.EventRemoved, recent[0].Event)
	assert.Equal(t, network.EventAdded, recent[1].Event)
	assert.True(t, recent[1].Time.Equal(t0))
	assert.Equal(t, "10.0.0.1:4000/a1/c1", recent[1].Endpoint)

	recent, err = j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestJournal_AppendEmpty(t *testing.T) {
	j := setupTestJournal(t)
	require.NoError(t, j.Append(context.Background(), nil))
}

func TestJournal_SinceAndHistory(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	for i, uuid := range []string{"c1", "c2", "c1", "c3"} {
		kind := network.EventAdded
		if i == 2 {
			kind = network.EventRemoved
		}
		require.NoError(t, j.Append(ctx, EntriesFor(containerEvent(kind, uuid), t0.Add(time.Duration(i)*time.Second))))
	}

	page, err := j.Since(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c1", page[0].UUID)
	assert.Equal(t, "c2", page[1].UUID)

	page, err = j.Since(ctx, page[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c1", page[0].UUID)
	assert.Equal(t, "c3", page[1].UUID)

	history, err := j.History(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, network.EventAdded, history[0].Event)
	assert.Equal(t, network.EventRemoved, history[1].Event)

	none, err := j.History(ctx, "missing", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultLimit, clampLimit(0))
	assert.Equal(t, defaultLimit, clampLimit(-5))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, maxLimit, clampLimit(maxLimit+1))
}

func TestRecorder_WritesObservedEvents(t *testing.T) {
	j := setupTestJournal(t)
	now := func() time.Time { return t0 }
	rec := NewRecorder(j, now, nil)

	rec.Observe(containerEvent(network.EventAdded, "c1"))
	rec.Observe(containerEvent(network.EventUpdated, "c1"))
	rec.Close()

	assert.Equal(t, uint64(2), rec.Written())
	assert.Zero(t, rec.Dropped())

	history, err := j.History(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, network.EventUpdated, history[1].Event)
	assert.True(t, history[0].Time.Equal(t0))
}

func TestRecorder_ObserveAfterCloseIsIgnored(t *testing.T) {
	j := setupTestJournal(t)
	rec := NewRecorder(j, nil, nil)
	rec.Close()
	rec.Close()

	rec.Observe(containerEvent(network.EventAdded, "c1"))

	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorder_AsRegistryObserver(t *testing.T) {
	j := setupTestJournal(t)
	rec := NewRecorder(j, nil, nil)

	observe := network.Observer(rec.Observe)
	observe(containerEvent(network.EventAdded, "c9"))
	rec.Close()

	recent, err := j.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "c9", recent[0].UUID)
}
