// Package store persists the network journal using SQLite.
//
// # Journal
//
// The journal is an append-only audit trail of topology changes. Each
// container or agent change inside a registry event becomes one Entry:
//
//   - Subject: "container" or "agent"
//   - Event: added, removed or updated
//   - UUID, Kind, Agent, Labels, State and Endpoint of the subject
//
// The registry never replays the journal at startup; after a restart agents
// re-register and rebuild the directory.
//
// # Recording
//
// A Recorder is installed as a registry observer. Observe runs under the
// registry lock, so it only queues the event; a background goroutine does the
// SQLite writes. When the queue is full the event is dropped and counted.
//
//	j, err := store.Open("~/.local/share/coven-net/journal.db", logger)
//	rec := store.NewRecorder(j, tm.Now, logger)
//	reg := network.NewRegistry(tm, network.Options{Observers: []network.Observer{rec.Observe}})
//
// # Reading
//
// Recent returns the newest entries, Since pages forward from a sequence
// number, and History follows one container or agent.
package store
