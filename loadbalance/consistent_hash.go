package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"binrpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints using a hash ring.
// The same key always maps to the same endpoint (until the ring changes),
// which keeps a user's sessions on the shard that holds their data.
//
// Virtual nodes: each real endpoint is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 endpoints might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per endpoint ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                           // Virtual nodes per real endpoint
	ring     []uint32                      // Sorted hash values on the ring
	nodes    map[uint32]*registry.Endpoint // Hash value → endpoint mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*registry.Endpoint),
	}
}

func virtualKey(ep *registry.Endpoint, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.URL, i)))
}

// Add places an endpoint onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{url}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(ep *registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := virtualKey(ep, i)
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = ep
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Remove takes an endpoint's virtual nodes off the ring.
func (b *ConsistentHashBalancer) Remove(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.ring[:0]
	for _, hash := range b.ring {
		if b.nodes[hash].URL == url {
			delete(b.nodes, hash)
			continue
		}
		ring = append(ring, hash)
	}
	b.ring = ring
}

// Pick finds the endpoint responsible for the given key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
//
// Pick takes a string key rather than an endpoint list; Keyed adapts it to
// the Balancer interface.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, errors.Wrap(registry.ErrNoEndpoints, "consistent hash")
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// Keyed is a Balancer that always routes Key through a ring built from the
// endpoints it is given.
type Keyed struct {
	Key string
}

func (k Keyed) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	ring := NewConsistentHashBalancer()
	for i := range endpoints {
		ring.Add(&endpoints[i])
	}
	return ring.Pick(k.Key)
}

func (k Keyed) Name() string {
	return "ConsistentHash(" + k.Key + ")"
}
