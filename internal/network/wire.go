// ABOUTME: RPC method names and parameter shapes spoken between registry, agents and clients.
// ABOUTME: Also maps registry errors onto coded BackRPC errors and back.

package network

import (
	"encoding/json"
	"errors"

	"github.com/2389/coven-net/internal/backrpc"
)

// Registry methods.
const (
	MethodAgentRegister   = "agent.register"
	MethodAgentUnregister = "agent.unregister"
	MethodContainerUpsert = "container.upsert"
	MethodContainerRemove = "container.remove"
	MethodGet             = "network.get"
	MethodRelease         = "network.release"
	MethodSubscribe       = "network.subscribe"
	MethodUnsubscribe     = "network.unsubscribe"
	MethodAgents          = "network.agents"
	MethodKinds           = "network.kinds"
	MethodList            = "network.list"
	MethodRequest         = "network.request"
	MethodTerminate       = "network.terminate"
)

// Agent methods, called by the registry.
const (
	MethodAgentPing      = "agent.ping"
	MethodAgentStart     = "agent.start"
	MethodAgentTerminate = "agent.terminate"
	MethodAgentRequest   = "agent.request"
)

// Container methods, called by clients on a container's own endpoint. Any
// other method is a control-plane operation.
const (
	MethodContainerPing       = "container.ping"
	MethodContainerConnect    = "container.connect"
	MethodContainerDisconnect = "container.disconnect"
)

// PushUpdate is the push event carrying subscription updates.
const PushUpdate = "update"

type RegisterAgentParams struct {
	Agent AgentRecord `json:"agent"`
}

type RegisterAgentResult struct {
	Shutdown []ContainerUUID `json:"shutdown,omitempty"`
}

type AgentParams struct {
	Agent AgentUUID `json:"agent"`
}

type ContainerParams struct {
	Container ContainerRecord `json:"container"`
}

type UUIDParams struct {
	UUID ContainerUUID `json:"uuid"`
}

type GetParams struct {
	Kind    ContainerKind `json:"kind,omitempty"`
	Options GetOptions    `json:"options"`
}

// SubscribeParams opens a subscription. Ref is chosen by the subscriber and
// echoed in every Update, so updates can be routed before the response
// carrying the subscription id arrives.
type SubscribeParams struct {
	Filter Filter `json:"filter"`
	Ref    string `json:"ref"`
}

type SubscribeResult struct {
	ID string `json:"id"`
}

type UnsubscribeParams struct {
	ID string `json:"id"`
}

type ListParams struct {
	Kind ContainerKind `json:"kind,omitempty"`
}

type RequestParams struct {
	UUID      ContainerUUID   `json:"uuid"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type StartParams struct {
	Kind    ContainerKind `json:"kind"`
	Options StartOptions  `json:"options"`
}

// Update is the payload of a PushUpdate. The last update of a subscription
// has Closed set; Overflowed tells the consumer to resynchronise.
type Update struct {
	Subscription string `json:"subscription"`
	Ref          string `json:"ref"`
	Event        Event  `json:"event"`
	Closed       bool   `json:"closed,omitempty"`
	Overflowed   bool   `json:"overflowed,omitempty"`
}

// WireError converts a registry error into a coded BackRPC error so the peer
// can match it with errors.Is after FromWire. Other errors pass through.
func WireError(err error) error {
	if err == nil {
		return nil
	}
	if code := ErrorCode(err); code != "" {
		return backrpc.NewError(code, err.Error())
	}
	return err
}

// FromWire restores the registry sentinel behind a coded BackRPC error.
func FromWire(err error) error {
	var coded *backrpc.Error
	if errors.As(err, &coded) {
		if restored := ErrorFromCode(coded.Code, coded.Message); restored != nil {
			return restored
		}
	}
	return err
}
