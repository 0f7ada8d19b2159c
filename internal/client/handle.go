// ABOUTME: Handle to a resolved container, talking to it over its own endpoint.
// ABOUTME: The direct connection is dialed lazily and carries data-plane pushes.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/2389/coven-net/internal/backrpc"
	"github.com/2389/coven-net/internal/network"
)

// Handle is a resolved container.
type Handle struct {
	client *Client
	rec    network.ContainerRecord

	mu      sync.Mutex
	rpc     *backrpc.Client
	handler network.PushHandler
	closed  bool
}

// Record returns the container record the registry resolved.
func (h *Handle) Record() network.ContainerRecord {
	return h.rec
}

func (h *Handle) UUID() network.ContainerUUID {
	return h.rec.UUID
}

// Endpoint returns the container's endpoint reference.
func (h *Handle) Endpoint() network.EndpointRef {
	return *h.rec.Endpoint
}

func (h *Handle) conn(ctx context.Context) (*backrpc.Client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.rpc == nil {
		c := h.client
		rpc, err := backrpc.Dial(h.rec.Endpoint.Addr(), backrpc.ClientConfig{
			ID:           backrpc.ClientID(c.cfg.ID),
			Token:        c.cfg.Token,
			OnEvent:      h.onEvent,
			TickManager:  c.tm,
			AliveTimeout: c.cfg.AliveTimeout,
			Logger:       c.cfg.Logger,
		})
		if err != nil {
			h.mu.Unlock()
			return nil, fmt.Errorf("dialing container %s: %w", h.rec.UUID, err)
		}
		h.rpc = rpc
	}
	rpc := h.rpc
	h.mu.Unlock()

	if err := rpc.WaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("connecting to container %s: %w", h.rec.UUID, err)
	}
	return rpc, nil
}

// Request calls an operation on the container directly.
func (h *Handle) Request(ctx context.Context, operation string, data any) (json.RawMessage, error) {
	rpc, err := h.conn(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.Request(ctx, operation, data)
}

// Ping checks that the container answers on its endpoint.
func (h *Handle) Ping(ctx context.Context) error {
	_, err := h.Request(ctx, network.MethodContainerPing, nil)
	return err
}

// Connect subscribes to the container's pushes.
func (h *Handle) Connect(ctx context.Context, handler network.PushHandler) error {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()

	_, err := h.Request(ctx, network.MethodContainerConnect, nil)
	return err
}

// Disconnect stops the container's pushes to this client.
func (h *Handle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	h.handler = nil
	h.mu.Unlock()

	_, err := h.Request(ctx, network.MethodContainerDisconnect, nil)
	return err
}

// Close drops the direct connection and releases the container at the
// registry.
func (h *Handle) Close() error {
	if !h.closeConn() {
		return nil
	}
	h.client.forget(h)

	if h.client.isClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	return h.client.Release(ctx, h.rec.UUID)
}

// closeConn reports whether this call did the closing.
func (h *Handle) closeConn() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	rpc := h.rpc
	h.rpc = nil
	h.handler = nil
	h.mu.Unlock()

	if rpc != nil {
		_ = rpc.Close()
	}
	return true
}

func (h *Handle) onEvent(event string, payload json.RawMessage) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler != nil {
		handler(event, payload)
	}
}
