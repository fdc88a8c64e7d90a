package client

import (
	"context"
	"regexp"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"binrpc/message"
	"binrpc/registry"
	"binrpc/schema"
	"binrpc/transport"
)

var (
	ErrUnknownMethod = errors.New("client: unknown method")
	ErrArgumentCount = errors.New("client: wrong number of arguments")
)

// Dialer opens the transport for a resolved session.
type Dialer func(ctx context.Context, s registry.Session) (transport.Transport, error)

var agentIDPattern = regexp.MustCompile(`:A=([^:]+):`)

// UserAgent is the User-Agent sent for token: the agent id embedded in the
// token's A= segment, the library and the Go runtime.
func UserAgent(token string) string {
	agent := ""
	if m := agentIDPattern.FindStringSubmatch(token); m != nil {
		agent = m[1]
	}
	return agent + " / binrpc; Go / " + runtime.Version()
}

// HTTPDialer posts to the session endpoint with a User-Agent derived from
// the session token.
func HTTPDialer(opts ...transport.HTTPOption) Dialer {
	return func(ctx context.Context, s registry.Session) (transport.Transport, error) {
		all := append([]transport.HTTPOption{transport.WithUserAgent(UserAgent(s.Token))}, opts...)
		return transport.NewHTTPTransport(s.Endpoint, all...), nil
	}
}

// SocketDialer connects to the session endpoint as a TCP address.
func SocketDialer(opts ...transport.SocketOption) Dialer {
	return func(ctx context.Context, s registry.Session) (transport.Transport, error) {
		return transport.DialSocket(ctx, s.Endpoint, opts...)
	}
}

// Proxy exposes a set of methods by alias on top of one lazily created
// Client. The session is resolved on the first call, at most once at a
// time, and kept for the life of the Proxy once resolution succeeds.
type Proxy struct {
	resolver registry.Resolver
	dial     Dialer
	methods  map[string]*message.Method
	options  []Option
	logger   *zap.Logger

	group   singleflight.Group
	mu      sync.Mutex
	session registry.Session
	client  *Client
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithDialer replaces the default HTTPDialer.
func WithDialer(d Dialer) ProxyOption {
	return func(p *Proxy) { p.dial = d }
}

// WithClientOptions configures the Client the proxy creates.
func WithClientOptions(opts ...Option) ProxyOption {
	return func(p *Proxy) { p.options = append(p.options, opts...) }
}

func WithProxyLogger(l *zap.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = l }
}

func NewProxy(resolver registry.Resolver, methods []*message.Method, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		resolver: resolver,
		dial:     HTTPDialer(),
		methods:  make(map[string]*message.Method, len(methods)),
		logger:   zap.NewNop(),
	}
	for _, m := range methods {
		p.methods[m.Alias] = m
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Method returns the definition registered under alias.
func (p *Proxy) Method(alias string) (*message.Method, bool) {
	m, ok := p.methods[alias]
	return m, ok
}

// Call invokes the method registered under alias. When the method declares
// an auth-token argument and args holds one value less than declared, the
// session token is inserted at that position. With the full count, args are
// forwarded unchanged.
func (p *Proxy) Call(ctx context.Context, alias string, args ...schema.Value) (schema.Value, error) {
	m, ok := p.methods[alias]
	if !ok {
		return nil, errors.Wrap(ErrUnknownMethod, alias)
	}
	c, s, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	values, err := injectToken(m, s.Token, args)
	if err != nil {
		return nil, err
	}
	st, err := m.Bind(values...)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, m, st)
}

// Session returns the resolved session, if any.
func (p *Proxy) Session() (registry.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.client != nil
}

// Close closes the client, if one was created. The proxy cannot be used
// afterwards.
func (p *Proxy) Close() error {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (p *Proxy) cached() (*Client, registry.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client, p.session, p.client != nil
}

// connect returns the client, resolving the session first if needed.
// Concurrent first calls share a single resolution; each waits on its own
// ctx, and the shared work is not canceled with the caller that started it.
// A failed resolution is not cached.
func (p *Proxy) connect(ctx context.Context) (*Client, registry.Session, error) {
	if c, s, ok := p.cached(); ok {
		return c, s, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan("session", func() (any, error) {
		if c, _, ok := p.cached(); ok {
			return c, nil
		}
		s, err := p.resolver.Resolve(shared)
		if err != nil {
			return nil, errors.Wrap(err, "client: resolving session")
		}
		trans, err := p.dial(shared, s)
		if err != nil {
			return nil, errors.Wrapf(err, "client: dialing %s", s.Endpoint)
		}
		c := New(trans, p.options...)

		p.mu.Lock()
		p.session = s
		p.client = c
		p.mu.Unlock()
		p.logger.Info("session resolved", zap.String("endpoint", s.Endpoint))
		return c, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, registry.Session{}, r.Err
		}
		c, s, _ := p.cached()
		return c, s, nil
	case <-ctx.Done():
		return nil, registry.Session{}, ctx.Err()
	}
}

func injectToken(m *message.Method, token string, args []schema.Value) ([]schema.Value, error) {
	declared := len(m.Params)
	idx := m.AuthTokenIndex()
	switch {
	case idx >= 0 && len(args) == declared-1:
		out := make([]schema.Value, 0, declared)
		out = append(out, args[:idx]...)
		out = append(out, schema.String(token))
		return append(out, args[idx:]...), nil
	case len(args) == declared:
		return args, nil
	}
	return nil, errors.Wrapf(ErrArgumentCount, "%s declares %d, got %d", m.Alias, declared, len(args))
}
