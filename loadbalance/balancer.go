// Package loadbalance provides load balancing strategies for choosing the
// endpoint a client session talks to.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity endpoints
//   - WeightedRandom:  Heterogeneous endpoints (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring affinity (per user, per shard)
package loadbalance

import "binrpc/registry"

// Balancer is the interface for load balancing strategies.
// A resolver calls Pick() when it builds a session.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Must be goroutine-safe.
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
