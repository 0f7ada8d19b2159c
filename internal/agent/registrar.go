// ABOUTME: Registrar implementations linking an agent to an in-process or remote registry.
// ABOUTME: The remote side also serves the registry's agent.* calls over the same BackRPC stream.

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
)

// Registrar is how an agent reports itself and its containers.
type Registrar interface {
	Register(ctx context.Context, rec network.AgentRecord, api network.AgentAPI) ([]network.ContainerUUID, error)
	Upsert(ctx context.Context, rec network.ContainerRecord) error
	Remove(ctx context.Context, id network.ContainerUUID) error
	Unregister(ctx context.Context, id network.AgentUUID) error
}

// Local reports straight into a registry in the same process.
type Local struct {
	reg *network.Registry
}

// NewLocal creates a Registrar for reg.
func NewLocal(reg *network.Registry) *Local {
	return &Local{reg: reg}
}

func (l *Local) Register(_ context.Context, rec network.AgentRecord, api network.AgentAPI) ([]network.ContainerUUID, error) {
	return l.reg.RegisterAgent(rec, api)
}

func (l *Local) Upsert(_ context.Context, rec network.ContainerRecord) error {
	return l.reg.UpsertContainer(rec)
}

func (l *Local) Remove(_ context.Context, id network.ContainerUUID) error {
	return l.reg.RemoveContainer(id)
}

func (l *Local) Unregister(_ context.Context, id network.AgentUUID) error {
	l.reg.DeregisterAgent(id)
	return nil
}

// Remote reports to a registry over an established BackRPC client. The
// registry reaches the agent back through the handler the client was dialed
// with, so the api passed to Register is not sent anywhere.
type Remote struct {
	rpc *backrpc.Client
}

// NewRemote creates a Registrar speaking over rpc.
func NewRemote(rpc *backrpc.Client) *Remote {
	return &Remote{rpc: rpc}
}

func (r *Remote) Register(ctx context.Context, rec network.AgentRecord, _ network.AgentAPI) ([]network.ContainerUUID, error) {
	raw, err := r.rpc.Request(ctx, network.MethodAgentRegister, network.RegisterAgentParams{Agent: rec})
	if err != nil {
		return nil, network.FromWire(err)
	}
	var res network.RegisterAgentResult
	if err := backrpc.Decode(raw, &res); err != nil {
		return nil, err
	}
	return res.Shutdown, nil
}

func (r *Remote) Upsert(ctx context.Context, rec network.ContainerRecord) error {
	_, err := r.rpc.Request(ctx, network.MethodContainerUpsert, network.ContainerParams{Container: rec})
	return network.FromWire(err)
}

func (r *Remote) Remove(ctx context.Context, id network.ContainerUUID) error {
	_, err := r.rpc.Request(ctx, network.MethodContainerRemove, network.UUIDParams{UUID: id})
	return network.FromWire(err)
}

func (r *Remote) Unregister(ctx context.Context, id network.AgentUUID) error {
	_, err := r.rpc.Request(ctx, network.MethodAgentUnregister, network.AgentParams{Agent: id})
	return network.FromWire(err)
}

// Handler serves the registry's agent.* calls for a.
func Handler(a *Agent) backrpc.HandlerFunc {
	mux := backrpc.NewMux()

	mux.Handle(network.MethodAgentPing, func(ctx context.Context, _ backrpc.ClientID, _ json.RawMessage) (any, error) {
		return nil, a.Ping(ctx)
	})

	mux.Handle(network.MethodAgentStart, func(ctx context.Context, _ backrpc.ClientID, params json.RawMessage) (any, error) {
		var p network.StartParams
		if err := backrpc.Decode(params, &p); err != nil {
			return nil, err
		}
		rec, err := a.Start(ctx, p.Kind, p.Options)
		if err != nil {
			return nil, network.WireError(err)
		}
		return rec, nil
	})

	mux.Handle(network.MethodAgentTerminate, func(ctx context.Context, _ backrpc.ClientID, params json.RawMessage) (any, error) {
		var p network.UUIDParams
		if err := backrpc.Decode(params, &p); err != nil {
			return nil, err
		}
		return nil, network.WireError(a.Terminate(ctx, p.UUID))
	})

	mux.Handle(network.MethodAgentRequest, func(ctx context.Context, _ backrpc.ClientID, params json.RawMessage) (any, error) {
		var p network.RequestParams
		if err := backrpc.Decode(params, &p); err != nil {
			return nil, err
		}
		out, err := a.Request(ctx, p.UUID, p.Operation, p.Data)
		if err != nil {
			return nil, network.WireError(err)
		}
		return out, nil
	})

	return mux.Serve
}

// Connect waits for rpc's handshake and attaches a to the registry behind it.
// rpc must have been dialed with Handler(a).
func Connect(ctx context.Context, a *Agent, rpc *backrpc.Client) (*Remote, error) {
	if err := rpc.WaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("connecting to registry: %w", err)
	}
	remote := NewRemote(rpc)
	if err := a.Attach(ctx, remote); err != nil {
		return nil, err
	}
	return remote, nil
}

// Dial connects a to the registry at addr. The returned client carries the
// agent's id as its peer id; close it after closing the agent.
func Dial(ctx context.Context, a *Agent, addr string, cfg backrpc.ClientConfig) (*backrpc.Client, error) {
	if cfg.ID == "" {
		cfg.ID = backrpc.ClientID(a.ID())
	}
	cfg.Handler = Handler(a)
	if cfg.TickManager == nil {
		cfg.TickManager = a.TickManager()
	}

	rpc, err := backrpc.Dial(addr, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := Connect(ctx, a, rpc); err != nil {
		_ = rpc.Close()
		return nil, err
	}
	return rpc, nil
}
