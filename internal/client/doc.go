// ABOUTME: Package documentation for the network client SDK.
// ABOUTME: Shows discovery, direct requests and subscriptions.

// Package client locates containers through the registry and talks to them
// directly.
//
//	c, err := client.New(client.Config{Address: "localhost:3737"})
//	h, err := c.Get(ctx, "db", network.GetOptions{Labels: network.Labels{"region": "eu"}})
//	out, err := h.Request(ctx, "status", nil)
//	defer h.Close()
//
// Get waits while nothing matches; the registry may start a container on
// demand. Subscribe and OnUpdate deliver Added, Removed and Updated events.
//
// The default alive-timeout is long outside production so sessions survive
// debugger pauses. Set COVEN_NET_ENV=production for the short default, or
// COVEN_NET_ALIVE_TIMEOUT to pick one.
package client
