// ABOUTME: Tests for the agent runtime against an in-process registry.
// ABOUTME: Uses in-memory containers so only the agent's bookkeeping is under test.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-net/internal/network"
	"github.com/2389/coven-net/internal/tick"
)

const waitTimeout = 5 * time.Second

type memContainer struct {
	id network.ContainerUUID

	mu         sync.Mutex
	terminated bool
	onTerm     []func()
	clients    map[network.ClientUUID]network.PushHandler
}

func newMemContainer(id network.ContainerUUID, _ network.Labels) (network.Container, error) {
	return &memContainer{id: id, clients: make(map[network.ClientUUID]network.PushHandler)}, nil
}

func (m *memContainer) Start(context.Context, *tick.Manager) (network.EndpointRef, error) {
	return network.EndpointRef{Host: "mem.local", Port: 9000}, nil
}

func (m *memContainer) Request(_ context.Context, op string, data json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"container": m.id, "op": op, "data": data})
}

func (m *memContainer) Terminate(context.Context) error {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.terminated = true
	callbacks := m.onTerm
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

func (m *memContainer) Ping(context.Context) error { return nil }

func (m *memContainer) Connect(client network.ClientUUID, h network.PushHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client] = h
}

func (m *memContainer) Disconnect(client network.ClientUUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, client)
}

func (m *memContainer) OnTerminated(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerm = append(m.onTerm, fn)
}

func (m *memContainer) isTerminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// trackingFactory records every container it builds.
type trackingFactory struct {
	mu    sync.Mutex
	built map[network.ContainerUUID]*memContainer
}

func (f *trackingFactory) build(id network.ContainerUUID, labels network.Labels) (network.Container, error) {
	c, _ := newMemContainer(id, labels)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.built == nil {
		f.built = make(map[network.ContainerUUID]*memContainer)
	}
	f.built[id] = c.(*memContainer)
	return c, nil
}

func (f *trackingFactory) get(id network.ContainerUUID) *memContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[id]
}

func newRegistry(t *testing.T) *network.Registry {
	t.Helper()
	tm, _ := tick.NewManual()
	reg := network.NewRegistry(tm, network.Options{})
	t.Cleanup(reg.Close)
	return reg
}

func newAgent(t *testing.T, id network.AgentUUID, factories map[network.ContainerKind]Factory) *Agent {
	t.Helper()
	tm, _ := tick.NewManual()
	a := New(Config{ID: id, Factories: factories, TickManager: tm})
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestOnDemandStartThroughRegistry(t *testing.T) {
	reg := newRegistry(t)
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{"mem": newMemContainer})
	require.NoError(t, a.Attach(t.Context(), NewLocal(reg)))

	rec, err := reg.Query(t.Context(), "client", "mem", network.GetOptions{Labels: network.Labels{"tier": "hot"}})
	require.NoError(t, err)
	assert.Equal(t, network.AgentUUID("a1"), rec.Agent)
	assert.True(t, rec.OnDemand)
	require.NotNil(t, rec.Endpoint)
	assert.Equal(t, "mem.local:9000/a1/"+string(rec.UUID), rec.Endpoint.String())
	assert.Equal(t, network.Labels{"tier": "hot"}, rec.Labels)

	hosted := a.Containers()
	require.Len(t, hosted, 1)
	assert.Equal(t, rec.UUID, hosted[0].UUID)
}

func TestSpawnReportsContainer(t *testing.T) {
	reg := newRegistry(t)
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{"mem": newMemContainer})
	require.NoError(t, a.Attach(t.Context(), NewLocal(reg)))

	rec, err := a.Spawn(t.Context(), "mem", network.StartOptions{UUID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, network.ContainerUUID("m1"), rec.UUID)

	listed := reg.List("mem")
	require.Len(t, listed, 1)
	assert.Equal(t, network.ContainerUUID("m1"), listed[0].UUID)
	assert.False(t, listed[0].OnDemand)

	again, err := a.Spawn(t.Context(), "mem", network.StartOptions{UUID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Len(t, a.Containers(), 1)
}

func TestSelfTerminationDeregisters(t *testing.T) {
	reg := newRegistry(t)
	factory := &trackingFactory{}
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{"mem": factory.build})
	require.NoError(t, a.Attach(t.Context(), NewLocal(reg)))

	_, err := a.Spawn(t.Context(), "mem", network.StartOptions{UUID: "m1"})
	require.NoError(t, err)
	require.Len(t, reg.List(""), 1)

	require.NoError(t, factory.get("m1").Terminate(t.Context()))
	require.Eventually(t, func() bool { return len(reg.List("")) == 0 }, waitTimeout, 5*time.Millisecond)
	assert.Empty(t, a.Containers())
}

func TestAttachReportsExistingContainers(t *testing.T) {
	reg := newRegistry(t)
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{"mem": newMemContainer})

	_, err := a.Spawn(t.Context(), "mem", network.StartOptions{UUID: "early"})
	require.NoError(t, err)
	require.NoError(t, a.Attach(t.Context(), NewLocal(reg)))

	listed := reg.List("mem")
	require.Len(t, listed, 1)
	assert.Equal(t, network.ContainerUUID("early"), listed[0].UUID)
	assert.Equal(t, []network.ContainerKind{"mem"}, reg.Kinds())
}

func TestAttachShutsDownDuplicates(t *testing.T) {
	reg := newRegistry(t)

	owner := newAgent(t, "owner", map[network.ContainerKind]Factory{"mem": newMemContainer})
	require.NoError(t, owner.Attach(t.Context(), NewLocal(reg)))
	_, err := owner.Spawn(t.Context(), "mem", network.StartOptions{UUID: "shared"})
	require.NoError(t, err)

	factory := &trackingFactory{}
	late := newAgent(t, "late", map[network.ContainerKind]Factory{"mem": factory.build})
	_, err = late.Spawn(t.Context(), "mem", network.StartOptions{UUID: "shared"})
	require.NoError(t, err)

	require.NoError(t, late.Attach(t.Context(), NewLocal(reg)))
	assert.True(t, factory.get("shared").isTerminated())
	assert.Empty(t, late.Containers())

	listed := reg.List("mem")
	require.Len(t, listed, 1)
	assert.Equal(t, network.AgentUUID("owner"), listed[0].Agent, "the owner's record must survive")
}

func TestCloseTerminatesAndUnregisters(t *testing.T) {
	reg := newRegistry(t)
	factory := &trackingFactory{}
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{"mem": factory.build})
	require.NoError(t, a.Attach(t.Context(), NewLocal(reg)))

	for _, id := range []network.ContainerUUID{"m1", "m2"} {
		_, err := a.Spawn(t.Context(), "mem", network.StartOptions{UUID: id})
		require.NoError(t, err)
	}

	require.NoError(t, a.Close(t.Context()))
	assert.True(t, factory.get("m1").isTerminated())
	assert.True(t, factory.get("m2").isTerminated())
	assert.Empty(t, reg.Agents())
	assert.Empty(t, reg.List(""))

	assert.ErrorIs(t, a.Ping(t.Context()), ErrAgentClosed)
	_, err := a.Spawn(t.Context(), "mem", network.StartOptions{})
	assert.ErrorIs(t, err, ErrAgentClosed)
	require.NoError(t, a.Close(t.Context()))
}

func TestAgentErrors(t *testing.T) {
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{"mem": newMemContainer})

	_, err := a.Start(t.Context(), "nope", network.StartOptions{})
	assert.ErrorIs(t, err, ErrNoFactory)

	assert.ErrorIs(t, a.Terminate(t.Context(), "ghost"), network.ErrContainerNotFound)
	_, err = a.Request(t.Context(), "ghost", "status", nil)
	assert.ErrorIs(t, err, network.ErrContainerNotFound)

	failing := newAgent(t, "a2", map[network.ContainerKind]Factory{
		"broken": func(network.ContainerUUID, network.Labels) (network.Container, error) {
			return nil, errors.New("no capacity")
		},
	})
	_, err = failing.Start(t.Context(), "broken", network.StartOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capacity")
}

func TestRequestAndTerminateViaRegistry(t *testing.T) {
	reg := newRegistry(t)
	factory := &trackingFactory{}
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{"mem": factory.build})
	require.NoError(t, a.Attach(t.Context(), NewLocal(reg)))
	_, err := a.Spawn(t.Context(), "mem", network.StartOptions{UUID: "m1"})
	require.NoError(t, err)

	out, err := reg.Request(t.Context(), "m1", "status", json.RawMessage(`{"verbose":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"container":"m1","op":"status","data":{"verbose":true}}`, string(out))

	require.NoError(t, reg.Terminate(t.Context(), "m1"))
	assert.True(t, factory.get("m1").isTerminated())
	assert.Empty(t, a.Containers())
	assert.Empty(t, reg.List(""))
}

func TestKinds(t *testing.T) {
	a := newAgent(t, "a1", map[network.ContainerKind]Factory{
		"zeta":  newMemContainer,
		"alpha": newMemContainer,
	})
	assert.Equal(t, []network.ContainerKind{"alpha", "zeta"}, a.Kinds())
	assert.Equal(t, network.AgentUUID("a1"), a.ID())
	assert.NoError(t, a.Ping(t.Context()))
}
