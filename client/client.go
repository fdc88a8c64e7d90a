// Package client issues RPC calls over a single transport.
//
// A Client owns one Transport, which supports a single request/response
// cycle at a time. Calls queue on a one-slot channel and run one after the
// other:
//
//	goroutine-1 ──Call──┐
//	goroutine-2 ──Call──┼──→ queue (1 slot) ──→ transport ──→ server
//	goroutine-3 ──Call──┘
//
// A Proxy adds lazy session resolution and auth-token injection on top.
package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"binrpc/codec"
	"binrpc/message"
	"binrpc/middleware"
	"binrpc/schema"
	"binrpc/transport"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client: closed")

type Client struct {
	trans transport.Transport
	proto *codec.BinaryProtocol
	queue chan struct{} // Holding the slot grants exclusive use of trans and proto
	seq   int32         // Protected by queue

	mu          sync.RWMutex
	middlewares []middleware.Middleware
	closed      bool
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	protocol    []codec.Option
	middlewares []middleware.Middleware
	logger      *zap.Logger
}

// WithProtocolOptions configures the BinaryProtocol of the client.
func WithProtocolOptions(opts ...codec.Option) Option {
	return func(o *clientOptions) { o.protocol = append(o.protocol, opts...) }
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *clientOptions) { o.middlewares = append(o.middlewares, mws...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

func New(trans transport.Transport, opts ...Option) *Client {
	o := clientOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		trans:       trans,
		proto:       codec.NewBinaryProtocol(trans, o.protocol...),
		queue:       make(chan struct{}, 1),
		middlewares: o.middlewares,
		logger:      o.logger,
	}
}

// Use appends middlewares around every later call. The first one added is
// the outermost.
func (c *Client) Use(mws ...middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mws...)
}

// Call invokes m with args and returns the result field. Declared
// exceptions come back as *message.Exception errors, peer failures as
// *message.ApplicationException.
func (c *Client) Call(ctx context.Context, m *message.Method, args *schema.Struct) (schema.Value, error) {
	c.mu.RLock()
	closed := c.closed
	handler := middleware.Chain(c.middlewares...)(c.exchange)
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return handler(ctx, &message.Call{Method: m, Args: args})
}

// exchange performs one request/response cycle once the queue admits it.
func (c *Client) exchange(ctx context.Context, call *message.Call) (schema.Value, error) {
	select {
	case c.queue <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.queue }()

	c.seq++
	call.SeqID = c.seq
	c.trans.Reset()
	v, err := call.Method.SendRequest(ctx, c.trans, c.proto, call.SeqID, call.Args)
	if err != nil {
		c.logger.Debug("call failed",
			zap.String("method", call.Method.Alias),
			zap.Int32("seq", call.SeqID),
			zap.Error(err),
		)
	}
	return v, err
}

// Close closes the transport. Calls already queued still fail with the
// transport's error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.trans.Close()
}
