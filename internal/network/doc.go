// Package network is the discovery core of coven-net: the Registry of agents
// and containers, the contracts hosting processes implement, and the event
// types pushed to subscribers.
//
// # Registry
//
// A Registry is an explicit value owned by the composition root. It is not
// persisted and not replicated; one registry process is the single point of
// coordination.
//
//	tm := tick.New()
//	reg := network.NewRegistry(tm, network.Options{})
//	defer reg.Close()
//
// Agents register with RegisterAgent and report containers with
// UpsertContainer / RemoveContainer. Clients resolve containers with Query,
// which suspends until a match appears when none exists yet. If a registered
// agent advertises the queried kind, the registry asks it to start one.
//
// # Selection policy
//
// A query with a uuid matches only that container. Otherwise candidates are
// the reachable containers of the kind whose labels are a superset of the
// requested ones; ties are broken round-robin per kind over registration
// order. On-demand starts pick among capable agents round-robin in the same
// way.
//
// # Events
//
// Every mutation produces at most one Event, published to subscribers before
// the next mutation starts. Each subscription has a bounded queue of
// SubscriberBufferSize events; a subscriber that falls behind is closed with
// Overflowed() reporting true and must resynchronise with List.
//
// # Liveness
//
// All timing runs on the tick manager: agents are pinged every PingInterval
// and purged after MaxPingFailures consecutive failures; pending queries,
// silent sessions and unused on-demand containers are swept every tick.
package network
