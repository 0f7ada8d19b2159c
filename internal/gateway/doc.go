// Package gateway runs the coven-net registry daemon.
//
// # Overview
//
// The gateway package is the composition root of the daemon. It owns the
// tick manager, the network.Registry, the BackRPC server agents and clients
// connect to, the HTTP server, the event journal and the metrics registry.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config     *config.Config
//	    tm         *tick.Manager
//	    registry   *network.Registry
//	    server     *backrpc.Server
//	    httpServer *http.Server
//	    journal    *store.Journal
//	    recorder   *store.Recorder
//	    metrics    *metrics.Metrics
//	    // ... and more
//	}
//
// # BackRPC Methods
//
// Served in rpc.go. Agent methods require the agent role, the rest the
// client role (agents may act as clients):
//
//   - agent.register / agent.unregister
//   - container.upsert / container.remove
//   - network.get, network.release
//   - network.subscribe, network.unsubscribe
//   - network.agents, network.kinds, network.list
//   - network.request, network.terminate
//
// An agent is bound to the connection that registered it. Only that
// connection may report or remove its containers, and when the connection
// drops the agent and its containers are purged.
//
// Subscription updates are pushed as "update" events after the subscribe
// response. The last update of a subscription has Closed set.
//
// # HTTP API
//
// Served in http.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one agent)
//   - GET /api/agents - Registered agents
//   - GET /api/containers?kind= - Containers, optionally of one kind
//   - GET /api/kinds - Kinds that can be started on demand
//   - GET /api/events?since=&uuid=&limit= - Journal entries
//   - GET /api/stats - Directory and transport counters
//   - GET /metrics - Prometheus exposition
//
// /api routes require a bearer token when auth.jwt_secret is set.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run binds the listeners (TCP, or the tailnet when tailscale is enabled)
// unless Listen already did, and shuts everything down when ctx ends.
package gateway
