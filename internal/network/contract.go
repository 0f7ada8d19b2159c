// ABOUTME: The contracts a hosting process implements to become discoverable.
// ABOUTME: Container is one workload; AgentAPI is how the registry drives an agent.

package network

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-net/internal/tick"
)

// PushHandler receives data-plane pushes from a container.
type PushHandler func(event string, payload json.RawMessage)

// Container is a discoverable unit of work with its own reachable endpoint.
type Container interface {
	// Start brings the container up and returns its endpoint. It may block
	// while binding the container's own server.
	Start(ctx context.Context, tm *tick.Manager) (EndpointRef, error)

	// Request runs a control-plane operation.
	Request(ctx context.Context, operation string, data json.RawMessage) (json.RawMessage, error)

	Terminate(ctx context.Context) error

	// Ping is answered by the container itself.
	Ping(ctx context.Context) error

	// Connect registers handler to receive pushes addressed to client.
	Connect(client ClientUUID, handler PushHandler)
	Disconnect(client ClientUUID)

	// OnTerminated registers fn to run once the container has terminated.
	OnTerminated(fn func())
}

// AgentAPI is the registry's view of an agent. Implementations either call
// an in-process agent directly or forward over BackRPC.
type AgentAPI interface {
	// Ping must be answered promptly; repeated failures purge the agent.
	Ping(ctx context.Context) error

	// Start launches a container of kind and returns its record, endpoint
	// included.
	Start(ctx context.Context, kind ContainerKind, opts StartOptions) (ContainerRecord, error)

	Terminate(ctx context.Context, container ContainerUUID) error

	Request(ctx context.Context, container ContainerUUID, operation string, data json.RawMessage) (json.RawMessage, error)
}
