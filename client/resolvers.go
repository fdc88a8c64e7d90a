package client

import (
	"context"

	"github.com/pkg/errors"

	"binrpc/loadbalance"
	"binrpc/registry"
	"binrpc/schema"
)

// DiscoveryResolver finds the endpoint of Service in a registry and pairs
// it with a fixed token.
type DiscoveryResolver struct {
	Registry registry.Registry
	Service  string
	Token    string
	// Balancer picks among the endpoints. Nil means the first one.
	Balancer loadbalance.Balancer
}

func (r *DiscoveryResolver) Resolve(ctx context.Context) (registry.Session, error) {
	endpoints, err := r.Registry.Discover(ctx, r.Service)
	if err != nil {
		return registry.Session{}, err
	}
	if len(endpoints) == 0 {
		return registry.Session{}, errors.Wrap(registry.ErrNoEndpoints, r.Service)
	}
	ep := &endpoints[0]
	if r.Balancer != nil {
		if ep, err = r.Balancer.Pick(endpoints); err != nil {
			return registry.Session{}, err
		}
	}
	return registry.Session{Endpoint: ep.URL, Token: r.Token}, nil
}

// ExchangeResolver obtains a session by calling a token-exchange method
// through another proxy, e.g. trading a share key for a token scoped to a
// shared resource. The method must return a struct.
type ExchangeResolver struct {
	Proxy  *Proxy
	Method string
	Args   []schema.Value
	// TokenField names the result field holding the new token.
	TokenField string
	// URLField names the result field holding the endpoint. When empty, or
	// absent from the result, Endpoint is used.
	URLField string
	Endpoint string
}

func (r *ExchangeResolver) Resolve(ctx context.Context) (registry.Session, error) {
	v, err := r.Proxy.Call(ctx, r.Method, r.Args...)
	if err != nil {
		return registry.Session{}, err
	}
	res, ok := v.(*schema.Struct)
	if !ok {
		return registry.Session{}, errors.Errorf("client: %s returned %T, want a struct", r.Method, v)
	}
	token, ok := res.Get(r.TokenField).(schema.String)
	if !ok {
		return registry.Session{}, errors.Errorf("client: %s result has no %s", r.Method, r.TokenField)
	}
	s := registry.Session{Endpoint: r.Endpoint, Token: string(token)}
	if r.URLField != "" {
		if u, ok := res.Get(r.URLField).(schema.String); ok {
			s.Endpoint = string(u)
		}
	}
	if s.Endpoint == "" {
		return registry.Session{}, errors.Errorf("client: no endpoint for session from %s", r.Method)
	}
	return s, nil
}
