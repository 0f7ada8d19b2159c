// ABOUTME: Package documentation for the container-hosting agent runtime.
// ABOUTME: Describes agents, registrars and served containers.

// Package agent hosts discoverable containers.
//
// # Agent
//
// An Agent owns the containers it started. Each container kind it supports is
// backed by a Factory:
//
//	a := agent.New(agent.Config{
//	    Factories: map[network.ContainerKind]agent.Factory{"echo": newEcho},
//	})
//
// The agent implements network.AgentAPI. Containers the registry asks for
// through Start are recorded by the registry itself; containers the agent
// brings up on its own through Spawn are reported with Registrar.Upsert.
// Either way, a container that terminates is deregistered by the agent.
//
// # Registrars
//
// Local reports into a *network.Registry in the same process. Remote reports
// over a BackRPC client whose Handler is Handler(a), which also serves the
// registry's agent.ping, agent.start, agent.terminate and agent.request calls:
//
//	rpc, err := agent.Dial(ctx, a, "localhost:3737", backrpc.ClientConfig{})
//
// # ServedContainer
//
// ServedContainer binds its own BackRPC server on a free port. Clients call
// container.ping, container.connect and container.disconnect on it; any other
// method is passed to the configured Operation. Push fans an event out to
// every connected client, in-process or remote.
package agent
