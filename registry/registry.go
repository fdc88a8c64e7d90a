package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoEndpoints is returned when a service has no registered endpoint.
var ErrNoEndpoints = errors.New("registry: no endpoints")

// Endpoint is one registered server of a service.
type Endpoint struct {
	URL     string `json:"url"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, url string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
