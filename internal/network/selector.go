// ABOUTME: Round-robin selection among equivalent candidates.
// ABOUTME: Used for both container tie-breaks and on-demand agent choice.

package network

import (
	"errors"
	"sync/atomic"
)

// ErrNoCandidates indicates an empty candidate set.
var ErrNoCandidates = errors.New("no candidates available")

// Router picks indexes in a rotating fashion.
type Router struct {
	current atomic.Uint64
}

// NewRouter creates a new Router instance.
func NewRouter() *Router {
	return &Router{}
}

// Select returns the next index into a candidate list of length n.
// Returns ErrNoCandidates if n is zero.
func (r *Router) Select(n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoCandidates
	}
	idx := r.current.Add(1) - 1
	return int(idx % uint64(n)), nil
}

// routers keeps one Router per key.
type routers map[ContainerKind]*Router

func (rs routers) get(kind ContainerKind) *Router {
	r, ok := rs[kind]
	if !ok {
		r = NewRouter()
		rs[kind] = r
	}
	return r
}
