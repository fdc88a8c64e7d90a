package loadbalance

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binrpc/registry"
)

var testEndpoints = []registry.Endpoint{
	{URL: "http://a:8001/rpc", Weight: 10, Version: "1.0"},
	{URL: "http://b:8002/rpc", Weight: 5, Version: "1.0"},
	{URL: "http://c:8003/rpc", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all endpoints
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		ep, err := b.Pick(testEndpoints)
		require.NoError(t, err)
		results[i] = ep.URL
	}
	assert.Equal(t, []string{testEndpoints[0].URL, testEndpoints[1].URL, testEndpoints[2].URL}, results)

	// Pick again, should wrap around to first
	ep, _ := b.Pick(testEndpoints)
	assert.Equal(t, results[0], ep.URL)
	assert.Equal(t, "RoundRobin", b.Name())
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]registry.Endpoint{})
	assert.True(t, errors.Is(err, registry.ErrNoEndpoints))
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		ep, err := b.Pick(testEndpoints)
		require.NoError(t, err)
		counts[ep.URL]++
	}

	// Weight ratio is 10:5:10, so a and c should be ~2x of b
	ratio := float64(counts["http://a:8001/rpc"]) / float64(counts["http://b:8002/rpc"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio a/b = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []registry.Endpoint{{URL: "x"}, {URL: "y", Weight: -1}}

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ep, err := b.Pick(eps)
		require.NoError(t, err)
		seen[ep.URL] = true
	}
	assert.Len(t, seen, 2)

	_, err := b.Pick(nil)
	assert.True(t, errors.Is(err, registry.ErrNoEndpoints))
}

func TestWeightedRandomSkipsZeroWeight(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []registry.Endpoint{{URL: "never", Weight: 0}, {URL: "always", Weight: 3}}
	for i := 0; i < 100; i++ {
		ep, err := b.Pick(eps)
		require.NoError(t, err)
		require.Equal(t, "always", ep.URL)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testEndpoints {
		b.Add(&testEndpoints[i])
	}

	// Same key should always map to the same endpoint
	ep1, _ := b.Pick("user-123")
	ep2, _ := b.Pick("user-123")
	assert.Equal(t, ep1.URL, ep2.URL)

	// Different keys should (likely) map to different endpoints
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[ep.URL] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRemove(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testEndpoints {
		b.Add(&testEndpoints[i])
	}
	owner, err := b.Pick("user-42")
	require.NoError(t, err)

	b.Remove(owner.URL)
	moved, err := b.Pick("user-42")
	require.NoError(t, err)
	assert.NotEqual(t, owner.URL, moved.URL)

	for _, ep := range testEndpoints {
		b.Remove(ep.URL)
	}
	_, err = b.Pick("user-42")
	assert.True(t, errors.Is(err, registry.ErrNoEndpoints))
}

func TestKeyedMatchesRing(t *testing.T) {
	ring := NewConsistentHashBalancer()
	for i := range testEndpoints {
		ring.Add(&testEndpoints[i])
	}
	want, _ := ring.Pick("shard-7")

	var b Balancer = Keyed{Key: "shard-7"}
	got, err := b.Pick(testEndpoints)
	require.NoError(t, err)
	assert.Equal(t, want.URL, got.URL)
	assert.Equal(t, "ConsistentHash(shard-7)", b.Name())

	_, err = b.Pick(nil)
	assert.True(t, errors.Is(err, registry.ErrNoEndpoints))
}
