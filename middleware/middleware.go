// Package middleware wraps RPC handlers on both sides of a call: around the
// transport exchange in the client, around method handlers in the server.
package middleware

import (
	"context"

	"github.com/pkg/errors"

	"binrpc/message"
	"binrpc/schema"
)

var (
	ErrTimeout     = errors.New("middleware: request timed out")
	ErrRateLimited = errors.New("middleware: rate limit exceeded")
)

type HandlerFunc func(ctx context.Context, call *message.Call) (schema.Value, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
