// ABOUTME: Authoritative in-memory directory of agents and containers.
// ABOUTME: Answers discovery queries, starts containers on demand, and emits topology events.

package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-net/internal/tick"
)

// Defaults for Options.
const (
	DefaultPingInterval           = 5 * time.Second
	DefaultMaxPingFailures        = 3
	DefaultQueryTimeout           = 30 * time.Second
	DefaultUnusedContainerTimeout = time.Minute
)

// Observer sees every event the registry emits, in order.
type Observer func(Event)

// Options configures a Registry.
type Options struct {
	// SessionTimeout expires client sessions silent for longer. Zero keeps
	// sessions until RemoveClient.
	SessionTimeout time.Duration

	PingInterval    time.Duration
	PingTimeout     time.Duration
	MaxPingFailures int

	QueryTimeout           time.Duration
	UnusedContainerTimeout time.Duration

	Observers []Observer
	Logger    *slog.Logger
}

type agentEntry struct {
	id         AgentUUID
	api        AgentAPI
	kinds      []ContainerKind
	containers map[ContainerUUID]struct{}
	lastSeen   time.Time
	failures   int
	seq        uint64
}

type containerEntry struct {
	rec     ContainerRecord
	seq     uint64
	clients map[ClientUUID]struct{}
}

type session struct {
	id           ClientUUID
	lastSeen     time.Time
	aliveTimeout time.Duration
	containers   map[ContainerUUID]struct{}
}

type queryResult struct {
	rec ContainerRecord
	err error
}

// waiter is a query suspended until a matching container appears.
type waiter struct {
	client   ClientUUID
	kind     ContainerKind
	opts     GetOptions
	deadline time.Time // zero waits indefinitely
	start    uint64    // pending on-demand start it rides on, 0 for none
	ch       chan queryResult
}

type pendingStart struct {
	id    uint64
	agent AgentUUID
	kind  ContainerKind
	opts  StartOptions
}

// Registry is the single authoritative directory. All mutations are
// serialised under one lock; events are published before the lock is
// released so every subscriber sees per-container order.
type Registry struct {
	tm     *tick.Manager
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	agents     map[AgentUUID]*agentEntry
	containers map[ContainerUUID]*containerEntry
	sessions   map[ClientUUID]*session
	waiters    map[uint64]*waiter
	starts     map[uint64]*pendingStart
	orphans    map[ContainerUUID]time.Time
	seq        uint64
	pinging    bool
	closed     bool

	containerRR routers
	agentRR     routers

	events *broadcaster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stops  []func()
}

// NewRegistry creates a registry driven by tm.
func NewRegistry(tm *tick.Manager, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = opts.PingInterval
	}
	if opts.MaxPingFailures <= 0 {
		opts.MaxPingFailures = DefaultMaxPingFailures
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.UnusedContainerTimeout <= 0 {
		opts.UnusedContainerTimeout = DefaultUnusedContainerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		tm:          tm,
		opts:        opts,
		logger:      opts.Logger.With("component", "registry"),
		agents:      make(map[AgentUUID]*agentEntry),
		containers:  make(map[ContainerUUID]*containerEntry),
		sessions:    make(map[ClientUUID]*session),
		waiters:     make(map[uint64]*waiter),
		starts:      make(map[uint64]*pendingStart),
		orphans:     make(map[ContainerUUID]time.Time),
		containerRR: make(routers),
		agentRR:     make(routers),
		events:      newBroadcaster(opts.Logger),
		ctx:         ctx,
		cancel:      cancel,
	}

	r.stops = append(r.stops,
		tm.Register("registry-sweep", tm.Resolution(), r.sweep),
		tm.Register("registry-agent-ping", opts.PingInterval, r.pingAgents),
	)
	return r
}

// Close fails every pending query, closes every subscription and waits for
// background starts and terminations to finish.
func (r *Registry) Close() {
	for _, stop := range r.stops {
		stop()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, w := range r.waiters {
		delete(r.waiters, id)
		w.ch <- queryResult{err: ErrRegistryClosed}
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.events.close()
}

// RegisterAgent adds or refreshes an agent together with the containers it
// reports. Containers it no longer reports are removed. It returns the uuids
// of reported containers already owned by another agent; the caller must
// shut those down.
func (r *Registry) RegisterAgent(rec AgentRecord, api AgentAPI) ([]ContainerUUID, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalidRecord)
	}
	if api == nil {
		return nil, fmt.Errorf("%w: agent %s has no api", ErrInvalidRecord, rec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	now := r.tm.Now()
	var ev Event

	old, existed := r.agents[rec.ID]
	entry := &agentEntry{
		id:         rec.ID,
		api:        api,
		kinds:      append([]ContainerKind(nil), rec.Kinds...),
		containers: make(map[ContainerUUID]struct{}),
		lastSeen:   now,
	}
	if existed {
		entry.seq = old.seq
		entry.containers = old.containers
	} else {
		r.seq++
		entry.seq = r.seq
	}
	r.agents[rec.ID] = entry

	reported := make(map[ContainerUUID]struct{}, len(rec.Containers))
	for _, c := range rec.Containers {
		reported[c.UUID] = struct{}{}
	}
	for _, uuid := range sortedUUIDs(entry.containers) {
		if _, ok := reported[uuid]; !ok {
			if ce, ok := r.removeContainerLocked(uuid); ok {
				ev.Containers = append(ev.Containers, ce)
			}
		}
	}

	var shutdown []ContainerUUID
	for _, c := range rec.Containers {
		c.Agent = rec.ID
		ce, changed, err := r.upsertLocked(c)
		switch {
		case err == nil:
			if changed {
				ev.Containers = append(ev.Containers, ce)
			}
		case errors.Is(err, ErrContainerOwned):
			shutdown = append(shutdown, c.UUID)
		default:
			r.logger.Warn("rejecting reported container", "agent", rec.ID, "container", c.UUID, "error", err)
		}
	}

	kind := EventAdded
	if existed {
		kind = EventUpdated
	}
	ev.Agents = append(ev.Agents, AgentEvent{Kind: kind, Agent: rec.ID, Kinds: entry.kinds})

	r.logger.Info("agent registered",
		"agent", rec.ID,
		"kinds", rec.Kinds,
		"containers", len(rec.Containers),
		"reregistered", existed,
	)
	r.emitLocked(ev)

	// New kinds may unblock queries that had nobody to start for them.
	for _, id := range sortedWaiterIDs(r.waiters) {
		if w := r.waiters[id]; w.start == 0 && hasKind(entry.kinds, w.kind) {
			r.startForLocked(w)
		}
	}
	return shutdown, nil
}

// DeregisterAgent removes an agent and all its containers. Unknown agents are
// ignored.
func (r *Registry) DeregisterAgent(id AgentUUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeAgentLocked(id, "deregistered")
}

// UpsertContainer adds or updates a container reported by its agent.
func (r *Registry) UpsertContainer(rec ContainerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	ce, changed, err := r.upsertLocked(rec)
	if err != nil {
		return err
	}
	if changed {
		r.emitLocked(Event{Containers: []ContainerEvent{ce}})
	}
	return nil
}

// RemoveContainer removes a container.
func (r *Registry) RemoveContainer(uuid ContainerUUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ce, ok := r.removeContainerLocked(uuid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrContainerNotFound, uuid)
	}
	r.emitLocked(Event{Containers: []ContainerEvent{ce}})
	return nil
}

// Query resolves a container for client. With opts.UUID only that container
// matches; otherwise any reachable container of kind whose labels are a
// superset of opts.Labels does, chosen round-robin in registration order.
// When nothing matches the call suspends until a matching container is
// upserted, an agent that can start the kind brings one up, the query times
// out, ctx ends, or the client session closes.
func (r *Registry) Query(ctx context.Context, client ClientUUID, kind ContainerKind, opts GetOptions) (ContainerRecord, error) {
	if kind == "" && opts.UUID == "" {
		return ContainerRecord{}, fmt.Errorf("%w: kind or uuid is required", ErrInvalidRecord)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ContainerRecord{}, ErrRegistryClosed
	}
	if client != "" {
		r.sessionLocked(client)
	}

	if entry := r.selectLocked(kind, opts); entry != nil {
		r.claimLocked(client, entry)
		rec := entry.rec.clone()
		r.mu.Unlock()
		return rec, nil
	}

	w := &waiter{
		client: client,
		kind:   kind,
		opts:   opts,
		ch:     make(chan queryResult, 1),
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = r.opts.QueryTimeout
	}
	if timeout > 0 {
		w.deadline = r.tm.Now().Add(timeout)
	}
	r.seq++
	id := r.seq
	r.waiters[id] = w
	if kind != "" {
		r.startForLocked(w)
	}
	r.mu.Unlock()

	r.logger.Debug("query pending", "client", client, "kind", kind, "uuid", opts.UUID, "labels", opts.Labels.String())

	select {
	case res := <-w.ch:
		return res.rec, res.err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()

		// Resolution may have raced the cancellation; give the claim back.
		select {
		case res := <-w.ch:
			if res.err == nil {
				r.Release(client, res.rec.UUID)
			}
		default:
		}
		return ContainerRecord{}, ctx.Err()
	}
}

// Pending returns the number of suspended queries.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Release drops client's claim on a container. An on-demand container with
// no remaining clients is terminated after UnusedContainerTimeout.
func (r *Registry) Release(client ClientUUID, uuid ContainerUUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(client, uuid)
}

// AddClient opens or refreshes a client session. A positive aliveTimeout
// expires the session when the client stays silent for longer; zero falls
// back to Options.SessionTimeout.
func (r *Registry) AddClient(client ClientUUID, aliveTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessionLocked(client)
	if aliveTimeout <= 0 {
		aliveTimeout = r.opts.SessionTimeout
	}
	s.aliveTimeout = aliveTimeout
	s.lastSeen = r.tm.Now()
}

// RemoveClient closes a client session: its pending queries fail with
// ErrSessionClosed, its claims are released and its subscriptions closed.
func (r *Registry) RemoveClient(client ClientUUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeClientLocked(client)
}

// Touch marks id as alive. id may name a client session, an agent, or both.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.tm.Now()
	if s, ok := r.sessions[ClientUUID(id)]; ok {
		s.lastSeen = now
	}
	if a, ok := r.agents[AgentUUID(id)]; ok {
		a.lastSeen = now
		a.failures = 0
	}
}

// Subscribe registers client for events matching filter. The subscription
// ends with ctx, Unsubscribe, RemoveClient, or on overflow.
func (r *Registry) Subscribe(ctx context.Context, client ClientUUID, filter Filter) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if client != "" {
		r.sessionLocked(client)
	}
	return r.events.subscribe(ctx, client, filter), nil
}

// Unsubscribe ends a subscription.
func (r *Registry) Unsubscribe(id string) error {
	if !r.events.unsubscribe(id) {
		return fmt.Errorf("%w: %s", ErrSubscriptionClosed, id)
	}
	return nil
}

// SubscriptionOwner returns the client that opened subscription id.
func (r *Registry) SubscriptionOwner(id string) (ClientUUID, bool) {
	return r.events.owner(id)
}

// Agents lists registered agents in registration order.
func (r *Registry) Agents() []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*agentEntry, 0, len(r.agents))
	for _, a := range r.agents {
		entries = append(entries, a)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]AgentInfo, 0, len(entries))
	for _, a := range entries {
		out = append(out, AgentInfo{
			ID:           a.id,
			Kinds:        append([]ContainerKind(nil), a.kinds...),
			Containers:   len(a.containers),
			LastSeen:     a.lastSeen,
			PingFailures: a.failures,
		})
	}
	return out
}

// Kinds lists every kind some agent can start, sorted and de-duplicated.
func (r *Registry) Kinds() []ContainerKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[ContainerKind]struct{})
	for _, a := range r.agents {
		for _, k := range a.kinds {
			seen[k] = struct{}{}
		}
	}
	out := make([]ContainerKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// List returns the containers of kind, or all containers for an empty kind,
// in registration order.
func (r *Registry) List(kind ContainerKind) []ContainerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*containerEntry, 0, len(r.containers))
	for _, c := range r.containers {
		if kind == "" || c.rec.Kind == kind {
			entries = append(entries, c)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]ContainerRecord, 0, len(entries))
	for _, c := range entries {
		out = append(out, c.rec.clone())
	}
	return out
}

// Lookup returns the record of one container.
func (r *Registry) Lookup(uuid ContainerUUID) (ContainerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[uuid]
	if !ok {
		return ContainerRecord{}, false
	}
	return c.rec.clone(), true
}

// Request forwards a control-plane operation to a container through its
// owning agent.
func (r *Registry) Request(ctx context.Context, uuid ContainerUUID, operation string, data json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	entry, ok := r.containers[uuid]
	var api AgentAPI
	if ok {
		if a, found := r.agents[entry.rec.Agent]; found {
			api = a.api
		}
		entry.rec.LastVisit = r.tm.Now()
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, uuid)
	}
	if api == nil {
		return nil, fmt.Errorf("%w: owner of %s", ErrAgentNotFound, uuid)
	}
	return api.Request(ctx, uuid, operation, data)
}

// Terminate removes a container and asks its agent to stop it.
func (r *Registry) Terminate(ctx context.Context, uuid ContainerUUID) error {
	r.mu.Lock()
	entry, ok := r.containers[uuid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContainerNotFound, uuid)
	}
	api := r.agentAPILocked(entry.rec.Agent)
	ce, _ := r.removeContainerLocked(uuid)
	r.emitLocked(Event{Containers: []ContainerEvent{ce}})
	r.mu.Unlock()

	if api == nil {
		return nil
	}
	if err := api.Terminate(ctx, uuid); err != nil {
		return fmt.Errorf("terminating %s: %w", uuid, err)
	}
	return nil
}

// --- internals, all called with r.mu held ---

func (r *Registry) agentAPILocked(id AgentUUID) AgentAPI {
	if a, ok := r.agents[id]; ok {
		return a.api
	}
	return nil
}

func (r *Registry) sessionLocked(client ClientUUID) *session {
	s, ok := r.sessions[client]
	if !ok {
		s = &session{
			id:           client,
			lastSeen:     r.tm.Now(),
			aliveTimeout: r.opts.SessionTimeout,
			containers:   make(map[ContainerUUID]struct{}),
		}
		r.sessions[client] = s
	}
	return s
}

// upsertLocked validates and stores rec, resolving any waiter it satisfies.
// changed is false when rec matches what is already stored.
func (r *Registry) upsertLocked(rec ContainerRecord) (ContainerEvent, bool, error) {
	if rec.UUID == "" || rec.Kind == "" || rec.Agent == "" {
		return ContainerEvent{}, false, fmt.Errorf("%w: container needs uuid, kind and agent", ErrInvalidRecord)
	}
	agent, ok := r.agents[rec.Agent]
	if !ok {
		return ContainerEvent{}, false, fmt.Errorf("%w: %s", ErrAgentNotFound, rec.Agent)
	}
	if rec.State == "" {
		rec.State = StateStarting
		if rec.Endpoint != nil {
			rec.State = StateActive
		}
	}
	if rec.Endpoint != nil && (rec.Endpoint.Container != rec.UUID || rec.Endpoint.Agent != rec.Agent) {
		return ContainerEvent{}, false, fmt.Errorf("%w: endpoint %s does not belong to %s", ErrInvalidRecord, rec.Endpoint, rec.UUID)
	}
	rec = rec.clone()

	existing, ok := r.containers[rec.UUID]
	if !ok {
		r.seq++
		rec.LastVisit = r.tm.Now()
		entry := &containerEntry{rec: rec, seq: r.seq, clients: make(map[ClientUUID]struct{})}
		r.containers[rec.UUID] = entry
		agent.containers[rec.UUID] = struct{}{}
		r.resolveLocked(entry)
		return ContainerEvent{Kind: EventAdded, Container: entry.rec.clone()}, true, nil
	}

	// Purging an agent removes its containers, so an existing uuid always
	// has a registered owner.
	if existing.rec.Agent != rec.Agent {
		return ContainerEvent{}, false, fmt.Errorf("%w: %s belongs to %s", ErrContainerOwned, rec.UUID, existing.rec.Agent)
	}
	if existing.rec.Endpoint != nil && (rec.Endpoint == nil || *existing.rec.Endpoint != *rec.Endpoint) {
		return ContainerEvent{}, false, fmt.Errorf("%w: %s", ErrEndpointImmutable, rec.UUID)
	}

	rec.OnDemand = rec.OnDemand || existing.rec.OnDemand
	rec.LastVisit = existing.rec.LastVisit
	if reflect.DeepEqual(existing.rec, rec) {
		return ContainerEvent{}, false, nil
	}

	previous := existing.rec.clone()
	existing.rec = rec
	r.resolveLocked(existing)
	return ContainerEvent{Kind: EventUpdated, Container: existing.rec.clone(), previous: &previous}, true, nil
}

func (r *Registry) removeContainerLocked(uuid ContainerUUID) (ContainerEvent, bool) {
	entry, ok := r.containers[uuid]
	if !ok {
		return ContainerEvent{}, false
	}
	delete(r.containers, uuid)
	delete(r.orphans, uuid)
	if a, ok := r.agents[entry.rec.Agent]; ok {
		delete(a.containers, uuid)
	}
	for client := range entry.clients {
		if s, ok := r.sessions[client]; ok {
			delete(s.containers, uuid)
		}
	}

	rec := entry.rec.clone()
	rec.State = StateTerminated
	return ContainerEvent{Kind: EventRemoved, Container: rec}, true
}

func (r *Registry) purgeAgentLocked(id AgentUUID, reason string) {
	agent, ok := r.agents[id]
	if !ok {
		return
	}

	ev := Event{Agents: []AgentEvent{{Kind: EventRemoved, Agent: id, Kinds: agent.kinds}}}
	for _, uuid := range sortedUUIDs(agent.containers) {
		if ce, ok := r.removeContainerLocked(uuid); ok {
			ev.Containers = append(ev.Containers, ce)
		}
	}
	delete(r.agents, id)

	for sid, p := range r.starts {
		if p.agent == id {
			r.failStartLocked(sid, fmt.Errorf("%w: agent %s %s", ErrStartFailed, id, reason))
		}
	}

	r.logger.Info("agent removed", "agent", id, "reason", reason, "containers", len(ev.Containers))
	r.emitLocked(ev)
}

// selectLocked picks a reachable container for a query, or nil.
func (r *Registry) selectLocked(kind ContainerKind, opts GetOptions) *containerEntry {
	if opts.UUID != "" {
		entry, ok := r.containers[opts.UUID]
		if !ok || !matches(kind, opts, entry.rec) {
			return nil
		}
		return entry
	}

	var candidates []*containerEntry
	for _, c := range r.containers {
		if matches(kind, opts, c.rec) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	idx, _ := r.containerRR.get(kind).Select(len(candidates))
	return candidates[idx]
}

func matches(kind ContainerKind, opts GetOptions, rec ContainerRecord) bool {
	if !rec.Reachable() {
		return false
	}
	if kind != "" && rec.Kind != kind {
		return false
	}
	if opts.UUID != "" {
		return rec.UUID == opts.UUID
	}
	return rec.Labels.Superset(opts.Labels)
}

func (r *Registry) claimLocked(client ClientUUID, entry *containerEntry) {
	entry.rec.LastVisit = r.tm.Now()
	delete(r.orphans, entry.rec.UUID)
	if client == "" {
		return
	}
	entry.clients[client] = struct{}{}
	r.sessionLocked(client).containers[entry.rec.UUID] = struct{}{}
}

func (r *Registry) releaseLocked(client ClientUUID, uuid ContainerUUID) {
	if s, ok := r.sessions[client]; ok {
		delete(s.containers, uuid)
	}
	entry, ok := r.containers[uuid]
	if !ok {
		return
	}
	delete(entry.clients, client)
	if len(entry.clients) == 0 && entry.rec.OnDemand {
		r.orphans[uuid] = r.tm.Now()
	}
}

// resolveLocked hands entry to every waiter it satisfies.
func (r *Registry) resolveLocked(entry *containerEntry) {
	if !entry.rec.Reachable() {
		return
	}
	for _, id := range sortedWaiterIDs(r.waiters) {
		w := r.waiters[id]
		if !matches(w.kind, w.opts, entry.rec) {
			continue
		}
		delete(r.waiters, id)
		r.claimLocked(w.client, entry)
		w.ch <- queryResult{rec: entry.rec.clone()}
	}
	if entry.rec.OnDemand && len(entry.clients) == 0 {
		r.orphans[entry.rec.UUID] = r.tm.Now()
	}
}

// startForLocked attaches w to an in-flight on-demand start or launches one
// on an agent advertising the kind, chosen round-robin.
func (r *Registry) startForLocked(w *waiter) {
	for _, sid := range sortedStartIDs(r.starts) {
		p := r.starts[sid]
		if p.kind != w.kind {
			continue
		}
		if w.opts.UUID != "" && p.opts.UUID != w.opts.UUID {
			continue
		}
		if w.opts.UUID == "" && !p.opts.Labels.Superset(w.opts.Labels) {
			continue
		}
		w.start = sid
		return
	}

	var candidates []*agentEntry
	for _, a := range r.agents {
		if hasKind(a.kinds, w.kind) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	idx, _ := r.agentRR.get(w.kind).Select(len(candidates))
	agent := candidates[idx]

	r.seq++
	p := &pendingStart{
		id:    r.seq,
		agent: agent.id,
		kind:  w.kind,
		opts:  StartOptions{UUID: w.opts.UUID, Labels: w.opts.Labels.Clone()},
	}
	r.starts[p.id] = p
	w.start = p.id

	r.logger.Info("starting container on demand", "agent", agent.id, "kind", w.kind, "uuid", w.opts.UUID)

	r.wg.Add(1)
	go r.runStart(p, agent.api)
}

func (r *Registry) runStart(p *pendingStart, api AgentAPI) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.startTimeout())
	defer cancel()
	rec, err := api.Start(ctx, p.kind, p.opts)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.starts[p.id]; !ok || r.closed {
		return
	}
	if err != nil {
		r.logger.Warn("on-demand start failed", "agent", p.agent, "kind", p.kind, "error", err)
		r.failStartLocked(p.id, fmt.Errorf("%w: %s on %s: %v", ErrStartFailed, p.kind, p.agent, err))
		return
	}
	delete(r.starts, p.id)

	rec.Agent = p.agent
	rec.Kind = p.kind
	rec.OnDemand = true
	if rec.Labels == nil {
		rec.Labels = p.opts.Labels.Clone()
	}
	ce, changed, err := r.upsertLocked(rec)
	if err != nil {
		r.logger.Warn("on-demand container rejected", "agent", p.agent, "container", rec.UUID, "error", err)
		r.failWaitersLocked(p.id, fmt.Errorf("%w: %v", ErrStartFailed, err))
		return
	}
	if changed {
		r.emitLocked(Event{Containers: []ContainerEvent{ce}})
	}

	// Waiters whose filter the new container does not satisfy look for another start.
	for _, id := range sortedWaiterIDs(r.waiters) {
		if w := r.waiters[id]; w.start == p.id {
			w.start = 0
			r.startForLocked(w)
		}
	}
}

func (r *Registry) startTimeout() time.Duration {
	if r.opts.QueryTimeout > 0 {
		return r.opts.QueryTimeout
	}
	return DefaultQueryTimeout
}

func (r *Registry) failStartLocked(id uint64, err error) {
	delete(r.starts, id)
	r.failWaitersLocked(id, err)
}

func (r *Registry) failWaitersLocked(start uint64, err error) {
	for wid, w := range r.waiters {
		if w.start == start {
			delete(r.waiters, wid)
			w.ch <- queryResult{err: err}
		}
	}
}

func (r *Registry) removeClientLocked(client ClientUUID) {
	for id, w := range r.waiters {
		if w.client == client {
			delete(r.waiters, id)
			w.ch <- queryResult{err: ErrSessionClosed}
		}
	}
	if s, ok := r.sessions[client]; ok {
		for uuid := range s.containers {
			r.releaseLocked(client, uuid)
		}
		delete(r.sessions, client)
		r.logger.Debug("client session closed", "client", client)
	}
	r.events.closeClient(client)
}

// emitLocked publishes ev to subscribers and observers.
func (r *Registry) emitLocked(ev Event) {
	if ev.Empty() {
		return
	}
	r.events.publish(ev)
	ev = ev.withoutPrevious()
	for _, obs := range r.opts.Observers {
		obs(ev)
	}
}

// sweep expires pending queries and silent sessions, and terminates unused
// on-demand containers.
func (r *Registry) sweep(_ context.Context) error {
	r.mu.Lock()
	now := r.tm.Now()

	for id, w := range r.waiters {
		if !w.deadline.IsZero() && !now.Before(w.deadline) {
			delete(r.waiters, id)
			w.ch <- queryResult{err: fmt.Errorf("%w: no %s container appeared", ErrQueryTimeout, describeQuery(w))}
		}
	}

	for id, s := range r.sessions {
		if s.aliveTimeout > 0 && now.Sub(s.lastSeen) > s.aliveTimeout {
			r.logger.Info("client session expired", "client", id)
			r.removeClientLocked(id)
		}
	}

	type termination struct {
		uuid ContainerUUID
		api  AgentAPI
	}
	var terminate []termination
	var ev Event
	for uuid, since := range r.orphans {
		if now.Sub(since) <= r.opts.UnusedContainerTimeout {
			continue
		}
		entry, ok := r.containers[uuid]
		if !ok {
			delete(r.orphans, uuid)
			continue
		}
		api := r.agentAPILocked(entry.rec.Agent)
		if ce, ok := r.removeContainerLocked(uuid); ok {
			ev.Containers = append(ev.Containers, ce)
		}
		if api != nil {
			terminate = append(terminate, termination{uuid: uuid, api: api})
		}
		r.logger.Info("terminating unused container", "container", uuid)
	}
	r.emitLocked(ev)
	r.mu.Unlock()

	for _, t := range terminate {
		r.wg.Add(1)
		go func(t termination) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(r.ctx, r.opts.PingTimeout)
			defer cancel()
			if err := t.api.Terminate(ctx, t.uuid); err != nil {
				r.logger.Warn("terminating unused container failed", "container", t.uuid, "error", err)
			}
		}(t)
	}
	return nil
}

// pingAgents launches a ping round and returns without waiting for it. An
// unanswered or failed ping counts as one failure; MaxPingFailures in a row
// purge the agent. A round still in flight skips the next one.
func (r *Registry) pingAgents(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pinging || len(r.agents) == 0 {
		return nil
	}

	targets := make([]*pingTarget, 0, len(r.agents))
	for _, a := range r.agents {
		targets = append(targets, &pingTarget{entry: a})
	}
	r.pinging = true
	r.wg.Add(1)
	go r.runPings(targets)
	return nil
}

type pingTarget struct {
	entry *agentEntry
	err   error
}

func (r *Registry) runPings(targets []*pingTarget) {
	defer r.wg.Done()

	var g errgroup.Group
	g.SetLimit(16)
	for _, p := range targets {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(r.ctx, r.opts.PingTimeout)
			defer cancel()
			p.err = p.entry.api.Ping(pctx)
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinging = false
	if r.closed {
		return
	}

	now := r.tm.Now()
	for _, p := range targets {
		if current, ok := r.agents[p.entry.id]; !ok || current != p.entry {
			continue
		}
		if p.err == nil {
			p.entry.failures = 0
			p.entry.lastSeen = now
			continue
		}
		p.entry.failures++
		r.logger.Warn("agent ping failed",
			"agent", p.entry.id,
			"failures", p.entry.failures,
			"error", p.err,
		)
		if p.entry.failures >= r.opts.MaxPingFailures {
			r.purgeAgentLocked(p.entry.id, "unresponsive")
		}
	}
}

func describeQuery(w *waiter) string {
	if w.opts.UUID != "" {
		return string(w.kind) + "/" + string(w.opts.UUID)
	}
	if len(w.opts.Labels) > 0 {
		return string(w.kind) + "{" + w.opts.Labels.String() + "}"
	}
	return string(w.kind)
}

func sortedUUIDs(set map[ContainerUUID]struct{}) []ContainerUUID {
	out := make([]ContainerUUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedWaiterIDs(m map[uint64]*waiter) []uint64 {
	out := make([]uint64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedStartIDs(m map[uint64]*pendingStart) []uint64 {
	out := make([]uint64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
