// ABOUTME: Tests for the daemon's Prometheus metrics
// ABOUTME: Uses testutil against fake directory and transport sources

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
)

type fakeDirectory struct {
	agents     int
	containers int
	pending    int
}

func (f *fakeDirectory) Agents() []network.AgentInfo {
	return make([]network.AgentInfo, f.agents)
}

func (f *fakeDirectory) List(network.ContainerKind) []network.ContainerRecord {
	return make([]network.ContainerRecord, f.containers)
}

func (f *fakeDirectory) Pending() int { return f.pending }

type fakeTransport struct {
	stats backrpc.Stats
}

func (f *fakeTransport) Stats() backrpc.Stats { return f.stats }

func TestObserve_CountsBySubjectAndEvent(t *testing.T) {
	m := New()
	m.Observe(network.Event{
		Containers: []network.ContainerEvent{
			{Kind: network.EventAdded},
			{Kind: network.EventAdded},
			{Kind: network.EventRemoved},
		},
		Agents: []network.AgentEvent{{Kind: network.EventAdded, Agent: "a1"}},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("container", "added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("container", "removed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("agent", "added")))
}

func TestAgentPurged(t *testing.T) {
	m := New()
	m.AgentPurged()
	m.AgentPurged()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.agentFailures))
}

func TestWatchDirectory_SamplesAtScrape(t *testing.T) {
	m := New()
	dir := &fakeDirectory{agents: 2, containers: 5, pending: 1}
	m.WatchDirectory(dir)

	expected := `
# HELP coven_net_agents Registered agents
# TYPE coven_net_agents gauge
coven_net_agents 2
# HELP coven_net_containers Containers in the directory
# TYPE coven_net_containers gauge
coven_net_containers 5
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"coven_net_agents", "coven_net_containers"))

	dir.containers = 1
	dir.pending = 3
	expected = `
# HELP coven_net_containers Containers in the directory
# TYPE coven_net_containers gauge
coven_net_containers 1
# HELP coven_net_pending_queries Queries suspended until a matching container appears
# TYPE coven_net_pending_queries gauge
coven_net_pending_queries 3
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"coven_net_containers", "coven_net_pending_queries"))
}

func TestWatchTransport(t *testing.T) {
	m := New()
	tr := &fakeTransport{stats: backrpc.Stats{Requests: 7, Pushes: 3, Connected: 2}}
	m.WatchTransport(tr)

	expected := `
# HELP coven_net_rpc_connections Connected BackRPC peers
# TYPE coven_net_rpc_connections gauge
coven_net_rpc_connections 2
# HELP coven_net_rpc_requests_total Requests received from peers
# TYPE coven_net_rpc_requests_total counter
coven_net_rpc_requests_total 7
# HELP coven_net_rpc_pushes_total Push frames sent to peers
# TYPE coven_net_rpc_pushes_total counter
coven_net_rpc_pushes_total 3
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"coven_net_rpc_connections", "coven_net_rpc_requests_total", "coven_net_rpc_pushes_total"))
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.WatchDirectory(&fakeDirectory{})
	b.WatchDirectory(&fakeDirectory{})
	a.Observe(network.Event{Containers: []network.ContainerEvent{{Kind: network.EventAdded}}})

	assert.Equal(t, 0.0, testutil.ToFloat64(b.events.WithLabelValues("container", "added")))
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.WatchDirectory(&fakeDirectory{agents: 1})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "coven_net_agents 1")
	assert.Contains(t, string(body), "go_goroutines")
}
