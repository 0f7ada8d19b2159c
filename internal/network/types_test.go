// ABOUTME: Tests for labels, endpoint references, filters and error codes.
// ABOUTME: Also covers the round-robin selector shared by the registry.

package network

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabels(t *testing.T) {
	tests := []struct {
		in      string
		want    Labels
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "  ", want: nil},
		{in: "region=eu", want: Labels{"region": "eu"}},
		{in: "region=eu; tier = hot ;", want: Labels{"region": "eu", "tier": "hot"}},
		{in: "flag=", want: Labels{"flag": ""}},
		{in: "novalue", wantErr: true},
		{in: "=x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLabels(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLabelsSupersetAndString(t *testing.T) {
	have := Labels{"region": "eu", "tier": "hot"}

	assert.True(t, have.Superset(nil))
	assert.True(t, have.Superset(Labels{"region": "eu"}))
	assert.True(t, have.Superset(have))
	assert.False(t, have.Superset(Labels{"region": "us"}))
	assert.False(t, have.Superset(Labels{"zone": "a"}))
	assert.False(t, Labels(nil).Superset(Labels{"region": "eu"}))

	assert.Equal(t, "region=eu;tier=hot", have.String())
	back, err := ParseLabels(have.String())
	require.NoError(t, err)
	assert.Equal(t, have, back)

	clone := have.Clone()
	clone["region"] = "us"
	assert.Equal(t, "eu", have["region"])
	assert.Nil(t, Labels{}.Clone())
}

func TestEndpointRef(t *testing.T) {
	ep := EndpointRef{Host: "10.0.0.5", Port: 7001, Agent: "agent-1", Container: "db-1"}
	assert.Equal(t, "10.0.0.5:7001", ep.Addr())
	assert.Equal(t, "10.0.0.5:7001/agent-1/db-1", ep.String())

	parsed, err := ParseEndpoint(ep.String())
	require.NoError(t, err)
	assert.Equal(t, ep, parsed)

	v6 := EndpointRef{Host: "::1", Port: 80, Agent: "a", Container: "c"}
	parsed, err = ParseEndpoint(v6.String())
	require.NoError(t, err)
	assert.Equal(t, v6, parsed)

	for _, bad := range []string{"", "host:1", "host:1/a", "host/a/c", "host:0/a/c", "host:x/a/c", "host:1//c"} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestContainerRecordReachable(t *testing.T) {
	rec := ContainerRecord{UUID: "c1", Kind: "db", Agent: "a1", State: StateActive}
	assert.False(t, rec.Reachable(), "no endpoint")

	rec.Endpoint = &EndpointRef{Host: "h", Port: 1, Agent: "a1", Container: "c1"}
	assert.True(t, rec.Reachable())

	rec.State = StateTerminating
	assert.False(t, rec.Reachable())
}

func TestFilterApply(t *testing.T) {
	ev := Event{
		Containers: []ContainerEvent{
			{Kind: EventAdded, Container: ContainerRecord{UUID: "d1", Kind: "db", Labels: Labels{"region": "eu"}}},
			{Kind: EventAdded, Container: ContainerRecord{UUID: "d2", Kind: "db", Labels: Labels{"region": "us"}}},
			{Kind: EventRemoved, Container: ContainerRecord{UUID: "c1", Kind: "cache"}},
		},
		Agents: []AgentEvent{
			{Kind: EventAdded, Agent: "a1", Kinds: []ContainerKind{"db"}},
			{Kind: EventAdded, Agent: "a2", Kinds: []ContainerKind{"cache"}},
		},
	}

	all := Filter{}.Apply(ev)
	assert.Equal(t, ev, all)

	dbEU := Filter{Kind: "db", Labels: Labels{"region": "eu"}}.Apply(ev)
	require.Len(t, dbEU.Containers, 1)
	assert.Equal(t, ContainerUUID("d1"), dbEU.Containers[0].Container.UUID)
	require.Len(t, dbEU.Agents, 1)
	assert.Equal(t, AgentUUID("a1"), dbEU.Agents[0].Agent)

	none := Filter{Kind: "queue"}.Apply(ev)
	assert.True(t, none.Empty())
}

func TestFilterApply_UpdateJudgedOnBothRecords(t *testing.T) {
	eu := ContainerRecord{UUID: "d1", Kind: "db", Labels: Labels{"region": "eu"}}
	us := ContainerRecord{UUID: "d1", Kind: "db", Labels: Labels{"region": "us"}}
	update := func(before, now ContainerRecord) Event {
		return Event{Containers: []ContainerEvent{{Kind: EventUpdated, Container: now, previous: &before}}}
	}
	f := Filter{Kind: "db", Labels: Labels{"region": "eu"}}

	tests := []struct {
		name        string
		before, now ContainerRecord
		want        []ContainerEvent
	}{
		{"leaves the filter", eu, us, []ContainerEvent{{Kind: EventRemoved, Container: us}}},
		{"enters the filter", us, eu, []ContainerEvent{{Kind: EventAdded, Container: eu}}},
		{"stays inside", eu, eu, []ContainerEvent{{Kind: EventUpdated, Container: eu}}},
		{"stays outside", us, us, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Apply(update(tt.before, tt.now))
			assert.Equal(t, tt.want, got.Containers)
		})
	}
}

func TestErrorCodesRoundTrip(t *testing.T) {
	for _, c := range codes {
		wrapped := fmt.Errorf("%w: detail", c.err)
		code := ErrorCode(wrapped)
		assert.Equal(t, c.code, code)

		back := ErrorFromCode(code, wrapped.Error())
		require.Error(t, back)
		assert.ErrorIs(t, back, c.err)
		assert.Equal(t, wrapped.Error(), back.Error())
	}

	assert.Empty(t, ErrorCode(errors.New("boom")))
	assert.Nil(t, ErrorFromCode("nonsense", "x"))
}

func TestRouterRotates(t *testing.T) {
	r := NewRouter()

	_, err := r.Select(0)
	assert.ErrorIs(t, err, ErrNoCandidates)

	var got []int
	for i := 0; i < 7; i++ {
		idx, err := r.Select(3)
		require.NoError(t, err)
		got = append(got, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestRoutersPerKind(t *testing.T) {
	rs := make(routers)
	a, _ := rs.get("db").Select(2)
	b, _ := rs.get("db").Select(2)
	c, _ := rs.get("cache").Select(2)
	assert.Equal(t, []int{0, 1, 0}, []int{a, b, c})
}
