// ABOUTME: Hosts containers created by per-kind factories and keeps the registry informed.
// ABOUTME: Implements network.AgentAPI so the registry can ping, start and stop containers.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/tick"
)

// ErrNoFactory indicates the agent cannot start containers of a kind.
var ErrNoFactory = errors.New("no factory for kind")

// ErrAgentClosed is returned once Close has begun.
var ErrAgentClosed = errors.New("agent closed")

var _ network.AgentAPI = (*Agent)(nil)

// reportTimeout bounds registrar calls made from termination callbacks.
const reportTimeout = 10 * time.Second

// Factory builds an unstarted container.
type Factory func(uuid network.ContainerUUID, labels network.Labels) (network.Container, error)

// Config configures an Agent.
type Config struct {
	// ID identifies the agent to the registry. Empty generates one.
	ID network.AgentUUID

	// Factories lists the kinds this agent can start, on demand or via Spawn.
	Factories map[network.ContainerKind]Factory

	TickManager *tick.Manager
	Logger      *slog.Logger
}

type hosted struct {
	rec network.ContainerRecord
	c   network.Container

	// silent suppresses the deregistration report at termination.
	silent bool
}

// Agent owns a set of running containers.
type Agent struct {
	id        network.AgentUUID
	factories map[network.ContainerKind]Factory
	logger    *slog.Logger

	tm     *tick.Manager
	ownsTM bool

	mu         sync.Mutex
	containers map[network.ContainerUUID]*hosted
	registrar  Registrar
	closed     bool

	wg sync.WaitGroup
}

// New creates an agent with no containers.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = network.AgentUUID(uuid.New().String())
	}

	a := &Agent{
		id:         cfg.ID,
		factories:  make(map[network.ContainerKind]Factory, len(cfg.Factories)),
		logger:     cfg.Logger.With("component", "agent", "agent_id", cfg.ID),
		tm:         cfg.TickManager,
		containers: make(map[network.ContainerUUID]*hosted),
	}
	for kind, f := range cfg.Factories {
		a.factories[kind] = f
	}
	if a.tm == nil {
		a.tm = tick.New(tick.WithLogger(cfg.Logger))
		a.tm.Start(context.Background())
		a.ownsTM = true
	}
	return a
}

// ID returns the agent's uuid.
func (a *Agent) ID() network.AgentUUID {
	return a.id
}

// TickManager returns the manager handed to started containers.
func (a *Agent) TickManager() *tick.Manager {
	return a.tm
}

// Kinds lists the kinds the agent can start, sorted.
func (a *Agent) Kinds() []network.ContainerKind {
	kinds := make([]network.ContainerKind, 0, len(a.factories))
	for k := range a.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Containers returns the records of running containers ordered by uuid.
func (a *Agent) Containers() []network.ContainerRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordsLocked()
}

func (a *Agent) recordsLocked() []network.ContainerRecord {
	out := make([]network.ContainerRecord, 0, len(a.containers))
	for _, h := range a.containers {
		out = append(out, h.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Attach registers the agent and its running containers through reg, which
// then receives every later change. Containers the registry reports as owned
// by another agent are terminated without being deregistered.
func (a *Agent) Attach(ctx context.Context, reg Registrar) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAgentClosed
	}
	a.registrar = reg
	rec := network.AgentRecord{ID: a.id, Kinds: a.Kinds(), Containers: a.recordsLocked()}
	a.mu.Unlock()

	shutdown, err := reg.Register(ctx, rec, a)
	if err != nil {
		return fmt.Errorf("registering agent %s: %w", a.id, err)
	}

	a.logger.Info("=== AGENT REGISTERED ===",
		"kinds", rec.Kinds,
		"containers", len(rec.Containers),
		"duplicates", len(shutdown),
	)

	for _, id := range shutdown {
		a.mu.Lock()
		h, ok := a.containers[id]
		if ok {
			h.silent = true
		}
		a.mu.Unlock()
		if !ok {
			continue
		}
		a.logger.Warn("shutting down duplicate container", "container", id)
		if err := h.c.Terminate(ctx); err != nil {
			a.logger.Warn("terminating duplicate container", "container", id, "error", err)
		}
		a.terminated(id)
	}
	return nil
}

// Spawn starts a container and reports it to the attached registrar.
func (a *Agent) Spawn(ctx context.Context, kind network.ContainerKind, opts network.StartOptions) (network.ContainerRecord, error) {
	rec, err := a.launch(ctx, kind, opts)
	if err != nil {
		return network.ContainerRecord{}, err
	}

	if reg := a.currentRegistrar(); reg != nil {
		if err := reg.Upsert(ctx, rec); err != nil {
			return rec, fmt.Errorf("reporting container %s: %w", rec.UUID, err)
		}
	}
	return rec, nil
}

// Start launches a container for the registry, which records the returned
// container itself.
func (a *Agent) Start(ctx context.Context, kind network.ContainerKind, opts network.StartOptions) (network.ContainerRecord, error) {
	return a.launch(ctx, kind, opts)
}

func (a *Agent) launch(ctx context.Context, kind network.ContainerKind, opts network.StartOptions) (network.ContainerRecord, error) {
	factory, ok := a.factories[kind]
	if !ok {
		return network.ContainerRecord{}, fmt.Errorf("%w: %s", ErrNoFactory, kind)
	}
	id := opts.UUID
	if id == "" {
		id = network.ContainerUUID(uuid.New().String())
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return network.ContainerRecord{}, ErrAgentClosed
	}
	if h, exists := a.containers[id]; exists {
		a.mu.Unlock()
		if h.rec.Kind != kind {
			return network.ContainerRecord{}, fmt.Errorf("%w: %s is a %s container", network.ErrInvalidRecord, id, h.rec.Kind)
		}
		return h.rec, nil
	}
	a.mu.Unlock()

	c, err := factory(id, opts.Labels.Clone())
	if err != nil {
		return network.ContainerRecord{}, fmt.Errorf("creating %s container: %w", kind, err)
	}
	ep, err := c.Start(ctx, a.tm)
	if err != nil {
		return network.ContainerRecord{}, fmt.Errorf("starting %s container %s: %w", kind, id, err)
	}
	ep.Container = id
	ep.Agent = a.id

	rec := network.ContainerRecord{
		UUID:     id,
		Kind:     kind,
		Labels:   opts.Labels.Clone(),
		Agent:    a.id,
		State:    network.StateActive,
		Endpoint: &ep,
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = c.Terminate(ctx)
		return network.ContainerRecord{}, ErrAgentClosed
	}
	a.containers[id] = &hosted{rec: rec, c: c}
	total := len(a.containers)
	a.mu.Unlock()

	c.OnTerminated(func() { a.terminated(id) })

	a.logger.Info("=== CONTAINER STARTED ===",
		"container", id,
		"kind", kind,
		"endpoint", ep.String(),
		"total_containers", total,
	)
	return rec, nil
}

// Terminate stops a hosted container.
func (a *Agent) Terminate(ctx context.Context, id network.ContainerUUID) error {
	h := a.lookup(id)
	if h == nil {
		return fmt.Errorf("%w: %s", network.ErrContainerNotFound, id)
	}
	if err := h.c.Terminate(ctx); err != nil {
		return fmt.Errorf("terminating %s: %w", id, err)
	}
	a.terminated(id)
	return nil
}

// Request runs a control-plane operation on a hosted container.
func (a *Agent) Request(ctx context.Context, id network.ContainerUUID, operation string, data json.RawMessage) (json.RawMessage, error) {
	h := a.lookup(id)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", network.ErrContainerNotFound, id)
	}
	return h.c.Request(ctx, operation, data)
}

// Ping answers the registry's liveness check.
func (a *Agent) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAgentClosed
	}
	return nil
}

// Close terminates every container and unregisters the agent.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	all := make([]*hosted, 0, len(a.containers))
	for _, h := range a.containers {
		h.silent = true
		all = append(all, h)
	}
	reg := a.registrar
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range all {
		g.Go(func() error {
			if err := h.c.Terminate(gctx); err != nil {
				return fmt.Errorf("terminating %s: %w", h.rec.UUID, err)
			}
			return nil
		})
	}
	err := g.Wait()

	a.mu.Lock()
	clear(a.containers)
	a.mu.Unlock()

	if reg != nil {
		if uerr := reg.Unregister(ctx, a.id); uerr != nil && !errors.Is(uerr, network.ErrAgentNotFound) {
			err = errors.Join(err, fmt.Errorf("unregistering agent: %w", uerr))
		}
	}

	a.wg.Wait()
	if a.ownsTM {
		a.tm.Stop()
	}
	a.logger.Info("=== AGENT CLOSED ===", "containers", len(all))
	return err
}

func (a *Agent) lookup(id network.ContainerUUID) *hosted {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.containers[id]
}

func (a *Agent) currentRegistrar() Registrar {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registrar
}

// terminated forgets a container and deregisters it unless silenced. Only the
// first call for a container has any effect.
func (a *Agent) terminated(id network.ContainerUUID) {
	a.mu.Lock()
	h, ok := a.containers[id]
	if ok {
		delete(a.containers, id)
	}
	reg := a.registrar
	total := len(a.containers)
	a.mu.Unlock()

	if !ok {
		return
	}
	a.logger.Info("=== CONTAINER TERMINATED ===", "container", id, "total_containers", total)
	if h.silent || reg == nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := reg.Remove(ctx, id); err != nil && !errors.Is(err, network.ErrContainerNotFound) {
			a.logger.Warn("deregistering container", "container", id, "error", err)
		}
	}()
}
