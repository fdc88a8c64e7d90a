package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"binrpc/message"
	"binrpc/schema"
)

// TimeOutMiddleware bounds a call with a deadline. The deadline travels in
// ctx; next must honor it. The call is never abandoned while next still
// runs, since a client transport cannot be reused until its flush returns.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (schema.Value, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			v, err := next(ctx, call)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.Wrapf(ErrTimeout, "%s after %s", call.Method.Alias, timeout)
			}
			return v, err
		}
	}
}
