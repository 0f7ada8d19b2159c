// ABOUTME: Traffic counters exposed by the BackRPC server.
// ABOUTME: Read by the metrics collector and the daemon's HTTP surface.

package backrpc

import "sync/atomic"

// Stats is a point-in-time view of server traffic.
type Stats struct {
	Requests     uint64 `json:"requests"`      // peer -> server requests served
	BackRequests uint64 `json:"back_requests"` // server -> peer requests issued
	Events       uint64 `json:"events"`        // push frames received from peers
	Pushes       uint64 `json:"pushes"`        // push frames sent to peers
	Connected    int    `json:"connected"`
}

type counters struct {
	requests     atomic.Uint64
	backRequests atomic.Uint64
	events       atomic.Uint64
	pushes       atomic.Uint64
}

func (c *counters) snapshot(connected int) Stats {
	return Stats{
		Requests:     c.requests.Load(),
		BackRequests: c.backRequests.Load(),
		Events:       c.events.Load(),
		Pushes:       c.pushes.Load(),
		Connected:    connected,
	}
}
