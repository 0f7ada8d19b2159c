// ABOUTME: BackRPC method handlers exposing the registry to agents and clients
// ABOUTME: Also drives remote agents back over their own stream and pumps subscription updates

package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-net/internal/auth"
	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
)

// remoteAgent is the registry's handle on an agent connected over BackRPC.
type remoteAgent struct {
	server *backrpc.Server
	peer   backrpc.ClientID
}

var _ network.AgentAPI = (*remoteAgent)(nil)

func (a *remoteAgent) Ping(ctx context.Context) error {
	_, err := a.server.Request(ctx, a.peer, network.MethodAgentPing, nil)
	return network.FromWire(err)
}

func (a *remoteAgent) Start(ctx context.Context, kind network.ContainerKind, opts network.StartOptions) (network.ContainerRecord, error) {
	raw, err := a.server.Request(ctx, a.peer, network.MethodAgentStart, network.StartParams{Kind: kind, Options: opts})
	if err != nil {
		return network.ContainerRecord{}, network.FromWire(err)
	}
	var rec network.ContainerRecord
	if err := backrpc.Decode(raw, &rec); err != nil {
		return network.ContainerRecord{}, fmt.Errorf("decoding started container: %w", err)
	}
	return rec, nil
}

func (a *remoteAgent) Terminate(ctx context.Context, container network.ContainerUUID) error {
	_, err := a.server.Request(ctx, a.peer, network.MethodAgentTerminate, network.UUIDParams{UUID: container})
	return network.FromWire(err)
}

func (a *remoteAgent) Request(ctx context.Context, container network.ContainerUUID, operation string, data json.RawMessage) (json.RawMessage, error) {
	raw, err := a.server.Request(ctx, a.peer, network.MethodAgentRequest, network.RequestParams{
		UUID:      container,
		Operation: operation,
		Data:      data,
	})
	return raw, network.FromWire(err)
}

// requireRole fails unless the connection's principal may act in role.
func requireRole(ctx context.Context, role auth.Role) error {
	p, ok := auth.FromContext(ctx)
	if !ok || !p.Allows(role) {
		return fmt.Errorf("%w: %s role required", network.ErrForbidden, role)
	}
	return nil
}

// guarded checks the role and converts registry errors for the wire.
func guarded(role auth.Role, fn backrpc.Func) backrpc.Func {
	return func(ctx context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
		if err := requireRole(ctx, role); err != nil {
			return nil, network.WireError(err)
		}
		out, err := fn(ctx, peer, params)
		if err != nil {
			return nil, network.WireError(err)
		}
		return out, nil
	}
}

func decode[T any](params json.RawMessage) (T, error) {
	var p T
	if err := backrpc.Decode(params, &p); err != nil {
		return p, fmt.Errorf("%w: %v", network.ErrInvalidRecord, err)
	}
	return p, nil
}

// newMux registers every registry method.
func (g *Gateway) newMux() *backrpc.Mux {
	mux := backrpc.NewMux()

	// Agent side.
	mux.Handle(network.MethodAgentRegister, guarded(auth.RoleAgent, g.handleRegister))
	mux.Handle(network.MethodAgentUnregister, guarded(auth.RoleAgent, g.handleUnregister))
	mux.Handle(network.MethodContainerUpsert, guarded(auth.RoleAgent, g.handleUpsert))
	mux.Handle(network.MethodContainerRemove, guarded(auth.RoleAgent, g.handleRemove))

	// Client side.
	mux.Handle(network.MethodGet, guarded(auth.RoleClient, g.handleGet))
	mux.Handle(network.MethodRelease, guarded(auth.RoleClient, g.handleRelease))
	mux.HandleAsync(network.MethodSubscribe, g.handleSubscribe)
	mux.Handle(network.MethodUnsubscribe, guarded(auth.RoleClient, g.handleUnsubscribe))
	mux.Handle(network.MethodAgents, guarded(auth.RoleClient, func(context.Context, backrpc.ClientID, json.RawMessage) (any, error) {
		return g.registry.Agents(), nil
	}))
	mux.Handle(network.MethodKinds, guarded(auth.RoleClient, func(context.Context, backrpc.ClientID, json.RawMessage) (any, error) {
		return g.registry.Kinds(), nil
	}))
	mux.Handle(network.MethodList, guarded(auth.RoleClient, g.handleList))
	mux.Handle(network.MethodRequest, guarded(auth.RoleClient, g.handleRequest))
	mux.Handle(network.MethodTerminate, guarded(auth.RoleClient, g.handleTerminate))

	return mux
}

// serveRPC marks the peer alive and dispatches.
func (g *Gateway) serveRPC(ctx context.Context, peer backrpc.ClientID, method string, params json.RawMessage, send backrpc.SendFunc) {
	g.registry.Touch(string(peer))
	g.mux.Serve(ctx, peer, method, params, send)
}

func (g *Gateway) onConnect(_ context.Context, peer backrpc.ClientID) {
	g.registry.AddClient(network.ClientUUID(peer), 0)
}

func (g *Gateway) onEvent(_ context.Context, peer backrpc.ClientID, event string, _ json.RawMessage) {
	g.registry.Touch(string(peer))
	g.logger.Debug("ignoring peer push", "peer", peer, "event", event)
}

// onDisconnect ends the peer's session and drops the agents it registered.
func (g *Gateway) onDisconnect(peer backrpc.ClientID, timeout bool) {
	g.registry.RemoveClient(network.ClientUUID(peer))

	for _, id := range g.unbindPeer(peer) {
		g.logger.Warn("agent connection lost, deregistering", "agent", id, "peer", peer, "timeout", timeout)
		g.registry.DeregisterAgent(id)
		if g.metrics != nil {
			g.metrics.AgentPurged()
		}
	}
}

func (g *Gateway) bindAgent(peer backrpc.ClientID, id network.AgentUUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.agentPeers[id]; ok && prev != peer {
		delete(g.peerAgents[prev], id)
	}
	g.agentPeers[id] = peer
	if g.peerAgents[peer] == nil {
		g.peerAgents[peer] = make(map[network.AgentUUID]struct{})
	}
	g.peerAgents[peer][id] = struct{}{}
}

func (g *Gateway) unbindAgent(peer backrpc.ClientID, id network.AgentUUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.agentPeers[id] != peer {
		return false
	}
	delete(g.agentPeers, id)
	delete(g.peerAgents[peer], id)
	return true
}

func (g *Gateway) unbindPeer(peer backrpc.ClientID) []network.AgentUUID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]network.AgentUUID, 0, len(g.peerAgents[peer]))
	for id := range g.peerAgents[peer] {
		ids = append(ids, id)
		delete(g.agentPeers, id)
	}
	delete(g.peerAgents, peer)
	return ids
}

func (g *Gateway) ownsAgent(peer backrpc.ClientID, id network.AgentUUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.agentPeers[id] == peer
}

func (g *Gateway) handleRegister(_ context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.RegisterAgentParams](params)
	if err != nil {
		return nil, err
	}
	rec := p.Agent
	if rec.ID == "" {
		rec.ID = network.AgentUUID(peer)
	}

	shutdown, err := g.registry.RegisterAgent(rec, &remoteAgent{server: g.server, peer: peer})
	if err != nil {
		return nil, err
	}
	g.bindAgent(peer, rec.ID)

	g.logger.Info("agent registered",
		"agent", rec.ID,
		"peer", peer,
		"kinds", rec.Kinds,
		"containers", len(rec.Containers),
		"shutdown", len(shutdown),
	)
	return network.RegisterAgentResult{Shutdown: shutdown}, nil
}

func (g *Gateway) handleUnregister(_ context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.AgentParams](params)
	if err != nil {
		return nil, err
	}
	id := p.Agent
	if id == "" {
		id = network.AgentUUID(peer)
	}
	if !g.unbindAgent(peer, id) {
		return nil, fmt.Errorf("%w: %s is not registered on this connection", network.ErrAgentNotFound, id)
	}
	g.registry.DeregisterAgent(id)
	g.logger.Info("agent unregistered", "agent", id, "peer", peer)
	return nil, nil
}

func (g *Gateway) handleUpsert(_ context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.ContainerParams](params)
	if err != nil {
		return nil, err
	}
	// A connection reports only for the agent bound to it. Claiming a uuid is
	// the registry's rule: it stays with its agent while that agent is
	// registered (ErrContainerOwned) and is free again once the agent is purged.
	if !g.ownsAgent(peer, p.Container.Agent) {
		return nil, fmt.Errorf("%w: agent %q is not registered on this connection", network.ErrForbidden, p.Container.Agent)
	}
	return nil, g.registry.UpsertContainer(p.Container)
}

func (g *Gateway) handleRemove(_ context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.UUIDParams](params)
	if err != nil {
		return nil, err
	}
	rec, ok := g.registry.Lookup(p.UUID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", network.ErrContainerNotFound, p.UUID)
	}
	if !g.ownsAgent(peer, rec.Agent) {
		return nil, fmt.Errorf("%w: %s belongs to agent %q", network.ErrForbidden, p.UUID, rec.Agent)
	}
	return nil, g.registry.RemoveContainer(p.UUID)
}

func (g *Gateway) handleGet(ctx context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.GetParams](params)
	if err != nil {
		return nil, err
	}
	return g.registry.Query(ctx, network.ClientUUID(peer), p.Kind, p.Options)
}

func (g *Gateway) handleRelease(_ context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.UUIDParams](params)
	if err != nil {
		return nil, err
	}
	g.registry.Release(network.ClientUUID(peer), p.UUID)
	return nil, nil
}

// handleSubscribe answers with the subscription id first, then streams
// updates on the request's goroutine until the subscription ends.
func (g *Gateway) handleSubscribe(ctx context.Context, peer backrpc.ClientID, _ string, params json.RawMessage, send backrpc.SendFunc) {
	if err := requireRole(ctx, auth.RoleClient); err != nil {
		send(nil, network.WireError(err))
		return
	}
	p, err := decode[network.SubscribeParams](params)
	if err != nil {
		send(nil, network.WireError(err))
		return
	}

	sub, err := g.registry.Subscribe(ctx, network.ClientUUID(peer), p.Filter)
	if err != nil {
		send(nil, network.WireError(err))
		return
	}
	send(network.SubscribeResult{ID: sub.ID}, nil)

	g.logger.Debug("subscription opened", "peer", peer, "sub_id", sub.ID, "kind", p.Filter.Kind)
	g.pump(peer, p.Ref, sub)
}

func (g *Gateway) pump(peer backrpc.ClientID, ref string, sub *network.Subscription) {
	for ev := range sub.C {
		err := g.server.Push(peer, network.PushUpdate, network.Update{
			Subscription: sub.ID,
			Ref:          ref,
			Event:        ev,
		})
		if err != nil {
			g.logger.Debug("pushing update failed, closing subscription", "peer", peer, "sub_id", sub.ID, "error", err)
			_ = g.registry.Unsubscribe(sub.ID)
			return
		}
	}

	err := g.server.Push(peer, network.PushUpdate, network.Update{
		Subscription: sub.ID,
		Ref:          ref,
		Closed:       true,
		Overflowed:   sub.Overflowed(),
	})
	if err != nil {
		g.logger.Debug("final update not delivered", "peer", peer, "sub_id", sub.ID, "error", err)
	}
}

func (g *Gateway) handleUnsubscribe(_ context.Context, peer backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.UnsubscribeParams](params)
	if err != nil {
		return nil, err
	}
	owner, ok := g.registry.SubscriptionOwner(p.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", network.ErrSubscriptionClosed, p.ID)
	}
	if owner != network.ClientUUID(peer) {
		return nil, fmt.Errorf("%w: subscription %s belongs to another client", network.ErrForbidden, p.ID)
	}
	return nil, g.registry.Unsubscribe(p.ID)
}

func (g *Gateway) handleList(_ context.Context, _ backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.ListParams](params)
	if err != nil {
		return nil, err
	}
	return g.registry.List(p.Kind), nil
}

func (g *Gateway) handleRequest(ctx context.Context, _ backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.RequestParams](params)
	if err != nil {
		return nil, err
	}
	return g.registry.Request(ctx, p.UUID, p.Operation, p.Data)
}

func (g *Gateway) handleTerminate(ctx context.Context, _ backrpc.ClientID, params json.RawMessage) (any, error) {
	p, err := decode[network.UUIDParams](params)
	if err != nil {
		return nil, err
	}
	return nil, g.registry.Terminate(ctx, p.UUID)
}
