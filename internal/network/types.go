// ABOUTME: Identifiers, records and events of the discovery network.
// ABOUTME: Shared by the registry, agents, the client SDK and the daemon's wire protocol.

package network

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

type (
	AgentUUID     string
	ContainerUUID string
	ClientUUID    string
	ContainerKind string
)

// Labels are key=value tags attached to a container.
type Labels map[string]string

// Superset reports whether l carries every key=value pair of want.
func (l Labels) Superset(want Labels) bool {
	for k, v := range want {
		if got, ok := l[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy, nil for an empty set.
func (l Labels) Clone() Labels {
	if len(l) == 0 {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// String renders labels as "k1=v1;k2=v2" in key order.
func (l Labels) String() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+l[k])
	}
	return strings.Join(parts, ";")
}

// ParseLabels parses "k1=v1;k2=v2". Empty input yields nil.
func ParseLabels(s string) (Labels, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	out := make(Labels)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q: want key=value", part)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// ContainerState is the lifecycle phase of a container.
type ContainerState string

const (
	StateStarting    ContainerState = "starting"
	StateActive      ContainerState = "active"
	StateTerminating ContainerState = "terminating"
	StateTerminated  ContainerState = "terminated"
)

// EndpointRef is everything a client needs to dial a container directly.
// It never changes once issued.
type EndpointRef struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Container ContainerUUID `json:"container"`
	Agent     AgentUUID     `json:"agent"`
}

// Addr returns host:port.
func (e EndpointRef) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String renders the reference as "host:port/agent/container".
func (e EndpointRef) String() string {
	return e.Addr() + "/" + string(e.Agent) + "/" + string(e.Container)
}

// ParseEndpoint parses the String form of an EndpointRef.
func ParseEndpoint(s string) (EndpointRef, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return EndpointRef{}, fmt.Errorf("invalid endpoint %q: want host:port/agent/container", s)
	}
	host, portStr, err := net.SplitHostPort(parts[0])
	if err != nil {
		return EndpointRef{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return EndpointRef{}, fmt.Errorf("invalid endpoint %q: bad port %q", s, portStr)
	}
	return EndpointRef{
		Host:      host,
		Port:      port,
		Agent:     AgentUUID(parts[1]),
		Container: ContainerUUID(parts[2]),
	}, nil
}

// ContainerRecord describes one container as the registry sees it.
type ContainerRecord struct {
	UUID      ContainerUUID  `json:"uuid"`
	Kind      ContainerKind  `json:"kind"`
	Labels    Labels         `json:"labels,omitempty"`
	Agent     AgentUUID      `json:"agent"`
	State     ContainerState `json:"state"`
	Endpoint  *EndpointRef   `json:"endpoint,omitempty"`
	LastVisit time.Time      `json:"last_visit,omitempty"`
	OnDemand  bool           `json:"on_demand,omitempty"`
}

// Reachable reports whether the container can be handed to clients.
func (r ContainerRecord) Reachable() bool {
	return r.State == StateActive && r.Endpoint != nil
}

func (r ContainerRecord) clone() ContainerRecord {
	out := r
	out.Labels = r.Labels.Clone()
	if r.Endpoint != nil {
		ep := *r.Endpoint
		out.Endpoint = &ep
	}
	return out
}

// AgentRecord is what an agent announces when it registers.
type AgentRecord struct {
	ID         AgentUUID         `json:"id"`
	Kinds      []ContainerKind   `json:"kinds,omitempty"`
	Containers []ContainerRecord `json:"containers,omitempty"`
}

// AgentInfo is the registry's view of a registered agent.
type AgentInfo struct {
	ID           AgentUUID       `json:"id"`
	Kinds        []ContainerKind `json:"kinds"`
	Containers   int             `json:"containers"`
	LastSeen     time.Time       `json:"last_seen"`
	PingFailures int             `json:"ping_failures"`
}

// EventKind says what happened to a container or agent.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventRemoved EventKind = "removed"
	EventUpdated EventKind = "updated"
)

// ContainerEvent is one container change.
type ContainerEvent struct {
	Kind      EventKind       `json:"event"`
	Container ContainerRecord `json:"container"`

	// previous is the record an update replaced. It never leaves the
	// registry: Apply and published copies drop it.
	previous *ContainerRecord
}

// AgentEvent is one agent change.
type AgentEvent struct {
	Kind  EventKind       `json:"event"`
	Agent AgentUUID       `json:"agent"`
	Kinds []ContainerKind `json:"kinds,omitempty"`
}

// Event is a batch of changes produced by one registry mutation.
type Event struct {
	Containers []ContainerEvent `json:"containers,omitempty"`
	Agents     []AgentEvent     `json:"agents,omitempty"`
}

// Empty reports whether the event carries no changes.
func (e Event) Empty() bool {
	return len(e.Containers) == 0 && len(e.Agents) == 0
}

// Filter selects the containers a subscriber or query cares about. The zero
// Filter matches everything.
type Filter struct {
	Kind   ContainerKind `json:"kind,omitempty"`
	Labels Labels        `json:"labels,omitempty"`
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec ContainerRecord) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	return rec.Labels.Superset(f.Labels)
}

// Apply narrows ev to what the filter lets through. Agent events pass when
// the filter has no kind or the agent can start that kind.
//
// An update is judged on both the replaced and the new record: one that
// moves a container out of the filter is delivered as removed, one that
// moves it in as added.
func (f Filter) Apply(ev Event) Event {
	var out Event
	for _, c := range ev.Containers {
		if kind, ok := f.containerKind(c); ok {
			out.Containers = append(out.Containers, ContainerEvent{Kind: kind, Container: c.Container})
		}
	}
	for _, a := range ev.Agents {
		if f.Kind == "" || hasKind(a.Kinds, f.Kind) {
			out.Agents = append(out.Agents, a)
		}
	}
	return out
}

// containerKind returns how c appears to a subscriber with this filter.
func (f Filter) containerKind(c ContainerEvent) (EventKind, bool) {
	now := f.Matches(c.Container)
	if c.Kind != EventUpdated || c.previous == nil {
		return c.Kind, now
	}
	before := f.Matches(*c.previous)
	switch {
	case before && now:
		return EventUpdated, true
	case before:
		return EventRemoved, true
	case now:
		return EventAdded, true
	default:
		return "", false
	}
}

// withoutPrevious returns ev with the replaced records dropped.
func (ev Event) withoutPrevious() Event {
	if len(ev.Containers) == 0 {
		return ev
	}
	out := Event{Agents: ev.Agents, Containers: make([]ContainerEvent, len(ev.Containers))}
	for i, c := range ev.Containers {
		out.Containers[i] = ContainerEvent{Kind: c.Kind, Container: c.Container}
	}
	return out
}

// GetOptions narrows a query beyond the kind.
type GetOptions struct {
	UUID   ContainerUUID `json:"uuid,omitempty"`
	Labels Labels        `json:"labels,omitempty"`

	// Timeout bounds how long the query may stay pending. Zero uses the
	// registry default; negative waits until the caller gives up.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// StartOptions are passed to an agent asked to start a container on demand.
type StartOptions struct {
	UUID   ContainerUUID `json:"uuid,omitempty"`
	Labels Labels        `json:"labels,omitempty"`
}

func hasKind(kinds []ContainerKind, kind ContainerKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
