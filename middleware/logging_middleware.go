package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"binrpc/message"
	"binrpc/schema"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (schema.Value, error) {
			start := time.Now()
			v, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.Method.Alias),
				zap.Int32("seq", call.SeqID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return v, err
			}
			logger.Debug("call", fields...)
			return v, nil
		}
	}
}
