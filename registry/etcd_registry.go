// Package registry resolves where and as whom a client talks to a service.
//
// A Resolver hands a client its Session (endpoint URL + auth token). A
// Registry is the directory servers announce themselves in; EtcdRegistry
// keeps it in etcd:
//
//	Key:   /binrpc/{service}/{escaped endpoint URL}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so no ghost endpoints remain.
package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/binrpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]*lease // key -> lease kept alive for it
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*clientv3.Config)

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(c *clientv3.Config) { c.DialTimeout = d }
}

// WithEtcdLogger routes the etcd client's own logs to l as well.
func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(c *clientv3.Config) { c.Logger = l }
}

func WithCredentials(username, password string) EtcdOption {
	return func(c *clientv3.Config) {
		c.Username = username
		c.Password = password
	}
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	cfg := clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := clientv3.New(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "registry: connecting to etcd")
	}
	return &EtcdRegistry{
		client: c,
		logger: cfg.Logger,
		leases: make(map[string]*lease),
	}, nil
}

func servicePrefix(service string) string {
	return keyPrefix + service + "/"
}

func endpointKey(service, rawURL string) string {
	return servicePrefix(service) + url.PathEscape(rawURL)
}

// Register adds an endpoint to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// KeepAlive runs until Deregister or Close, independent of ctx.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "registry: granting lease")
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := endpointKey(service, ep.URL)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return errors.Wrapf(err, "registry: putting %s", key)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "registry: keeping lease alive")
	}

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = &lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	r.logger.Info("registered endpoint", zap.String("service", service), zap.String("url", ep.URL))
	return nil
}

// Deregister removes an endpoint and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, rawURL string) error {
	key := endpointKey(service, rawURL)

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.Debug("revoking lease", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "registry: deleting %s", key)
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated endpoint lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list instead of applying individual events.
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered endpoints for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "registry: discovering %s", service)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.logger.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Close stops every keepalive and closes the etcd client. Registered keys
// expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
