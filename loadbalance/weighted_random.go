package loadbalance

import (
	"math/rand"

	"github.com/pkg/errors"

	"binrpc/registry"
)

// WeightedRandomBalancer picks endpoints with probability proportional to
// their weight. Negative weights count as zero; when every weight is zero
// the pick is uniform.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errors.Wrap(registry.ErrNoEndpoints, "weighted random")
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range endpoints {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return &endpoints[rand.Intn(len(endpoints))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for i := range endpoints {
		if endpoints[i].Weight <= 0 {
			continue
		}
		r -= endpoints[i].Weight
		if r < 0 {
			return &endpoints[i], nil
		}
	}

	return nil, errors.New("loadbalance: unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
