package loadbalance

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"binrpc/registry"
)

// RoundRobinBalancer distributes sessions evenly across all endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all endpoints have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // Incremented on each Pick()
}

// Pick selects the next endpoint in round-robin order.
func (b *RoundRobinBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errors.Wrap(registry.ErrNoEndpoints, "round robin")
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
