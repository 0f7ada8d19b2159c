// ABOUTME: Method router for BackRPC request handlers.
// ABOUTME: Unregistered methods get an explicit unknown-method error response.

package backrpc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Func is a synchronous request handler; its return values become the response.
type Func func(ctx context.Context, peer ClientID, params json.RawMessage) (any, error)

// Mux dispatches requests by method name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a synchronous handler for method.
func (m *Mux) Handle(method string, fn Func) {
	m.HandleAsync(method, func(ctx context.Context, peer ClientID, _ string, params json.RawMessage, send SendFunc) {
		send(fn(ctx, peer, params))
	})
}

// HandleAsync registers a handler that answers through send, possibly later.
func (m *Mux) HandleAsync(method string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

// Methods lists the registered method names in order.
func (m *Mux) Methods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	methods := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

// Serve is the HandlerFunc view of the mux.
func (m *Mux) Serve(ctx context.Context, peer ClientID, method string, params json.RawMessage, send SendFunc) {
	m.mu.RLock()
	h, ok := m.handlers[method]
	m.mu.RUnlock()

	if !ok {
		send(nil, unknownMethod(method))
		return
	}
	h(ctx, peer, method, params, send)
}
