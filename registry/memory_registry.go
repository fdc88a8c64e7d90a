package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. Entries stay until deregistered;
// the TTL is ignored because nothing can stop renewing them.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	eps, ok := r.services[service]
	if !ok {
		eps = make(map[string]Endpoint)
		r.services[service] = eps
	}
	eps[ep.URL] = ep
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service string, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service][url]; !ok {
		return nil
	}
	delete(r.services[service], url)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// snapshot returns the endpoints of service sorted by URL. r.mu must be held.
func (r *MemoryRegistry) snapshot(service string) []Endpoint {
	eps := make([]Endpoint, 0, len(r.services[service]))
	for _, ep := range r.services[service] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].URL < eps[j].URL })
	return eps
}

// notify replaces any unread list in each watcher with the current one.
// r.mu must be held.
func (r *MemoryRegistry) notify(service string) {
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- r.snapshot(service)
	}
}
