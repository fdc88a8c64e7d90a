package middleware

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"binrpc/message"
	"binrpc/schema"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (schema.Value, error) {
			if !limiter.Allow() {
				return nil, errors.Wrap(ErrRateLimited, call.Method.Alias)
			}
			return next(ctx, call)
		}
	}
}

// RateWaitMiddleware blocks until the limiter admits the call or ctx ends.
func RateWaitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (schema.Value, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, errors.Wrapf(ErrRateLimited, "%s: %v", call.Method.Alias, err)
			}
			return next(ctx, call)
		}
	}
}
