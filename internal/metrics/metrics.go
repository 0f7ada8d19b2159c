// ABOUTME: Prometheus metrics for the registry daemon on a private registry
// ABOUTME: Counts topology events and samples registry and transport state at scrape time

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
)

const namespace = "coven_net"

// Directory is the registry state sampled at scrape time.
type Directory interface {
	Agents() []network.AgentInfo
	List(kind network.ContainerKind) []network.ContainerRecord
	Pending() int
}

// Transport is the BackRPC server state sampled at scrape time.
type Transport interface {
	Stats() backrpc.Stats
}

// Metrics owns one Prometheus registry. Each daemon gets its own so several
// can live in one process.
type Metrics struct {
	reg *prometheus.Registry

	events        *prometheus.CounterVec
	agentFailures prometheus.Counter
}

// New creates the metrics with Go runtime and process collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Topology changes emitted by the registry",
		}, []string{"subject", "event"}),
		agentFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_purged_total",
			Help:      "Agents removed by the registry rather than by themselves",
		}),
	}
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Observe counts the changes in ev. It is a network.Observer.
func (m *Metrics) Observe(ev network.Event) {
	for _, c := range ev.Containers {
		m.events.WithLabelValues("container", string(c.Kind)).Inc()
	}
	for _, a := range ev.Agents {
		m.events.WithLabelValues("agent", string(a.Kind)).Inc()
	}
}

// AgentPurged counts an agent removed after failed pings or a lost
// connection.
func (m *Metrics) AgentPurged() {
	m.agentFailures.Inc()
}

// WatchDirectory samples d on every scrape.
func (m *Metrics) WatchDirectory(d Directory) {
	factory := promauto.With(m.reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents",
		Help:      "Registered agents",
	}, func() float64 {
		return float64(len(d.Agents()))
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "containers",
		Help:      "Containers in the directory",
	}, func() float64 {
		return float64(len(d.List("")))
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_queries",
		Help:      "Queries suspended until a matching container appears",
	}, func() float64 {
		return float64(d.Pending())
	})
}

// WatchTransport samples t on every scrape.
func (m *Metrics) WatchTransport(t Transport) {
	factory := promauto.With(m.reg)

	counters := []struct {
		name string
		help string
		get  func(backrpc.Stats) uint64
	}{
		{"rpc_requests_total", "Requests received from peers", func(s backrpc.Stats) uint64 { return s.Requests }},
		{"rpc_back_requests_total", "Requests issued to peers", func(s backrpc.Stats) uint64 { return s.BackRequests }},
		{"rpc_events_total", "Push frames received from peers", func(s backrpc.Stats) uint64 { return s.Events }},
		{"rpc_pushes_total", "Push frames sent to peers", func(s backrpc.Stats) uint64 { return s.Pushes }},
	}
	for _, c := range counters {
		get := c.get
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 {
			return float64(get(t.Stats()))
		})
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rpc_connections",
		Help:      "Connected BackRPC peers",
	}, func() float64 {
		return float64(t.Stats().Connected)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
