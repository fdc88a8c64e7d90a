package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"binrpc/message"
	"binrpc/schema"
	"binrpc/transport"
)

// RetryMiddleware repeats a call that failed with a transport failure, with
// exponential backoff. Decoded replies, including exceptions, are never
// retried.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (schema.Value, error) {
			v, err := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !errors.Is(err, transport.ErrTransportFailure) {
					return v, err
				}
				logger.Info("retrying call",
					zap.String("method", call.Method.Alias),
					zap.Int("attempt", i+1),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				v, err = next(ctx, call)
			}
			return v, err
		}
	}
}
