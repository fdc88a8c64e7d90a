package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"binrpc/message"
	"binrpc/schema"
	"binrpc/transport"
)

var addMethod = message.Define("add",
	schema.NewStruct("add_args",
		schema.NewField(1, "a", schema.I32Type),
		schema.NewField(2, "b", schema.I32Type),
	),
	schema.NewStruct("add_result", schema.NewField(0, "success", schema.I32Type)),
)

func newCall(t *testing.T) *message.Call {
	args, err := addMethod.Bind(schema.I32(1), schema.I32(2))
	require.NoError(t, err)
	return &message.Call{Method: addMethod, SeqID: 1, Args: args}
}

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, call *message.Call) (schema.Value, error) {
	return schema.I32(3), nil
}

// 模拟一个慢 handler：等 200ms 或者 ctx 结束
func slowHandler(ctx context.Context, call *message.Call) (schema.Value, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return schema.I32(3), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	v, err := handler(context.Background(), newCall(t))
	require.NoError(t, err)
	assert.Equal(t, schema.I32(3), v)

	entries := logs.FilterMessage("call").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "add", entries[0].ContextMap()["method"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	boom := errors.New("boom")
	handler := LoggingMiddleware(zap.New(core))(func(ctx context.Context, call *message.Call) (schema.Value, error) {
		return nil, boom
	})

	_, err := handler(context.Background(), newCall(t))
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, logs.FilterMessage("call failed").Len())
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	v, err := handler(context.Background(), newCall(t))
	require.NoError(t, err)
	assert.Equal(t, schema.I32(3), v)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), newCall(t))
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), newCall(t))
		require.NoError(t, err, "request %d should pass", i)
	}

	_, err := handler(context.Background(), newCall(t))
	assert.True(t, errors.Is(err, ErrRateLimited), "got %v", err)
}

func TestRateWaitRespectsContext(t *testing.T) {
	handler := RateWaitMiddleware(0.001, 1)(echoHandler)

	_, err := handler(context.Background(), newCall(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = handler(ctx, newCall(t))
	assert.True(t, errors.Is(err, ErrRateLimited), "got %v", err)
}

func TestRetryOnTransportFailure(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, call *message.Call) (schema.Value, error) {
		attempts++
		if attempts < 3 {
			return nil, &transport.FailureError{Endpoint: "http://svc", StatusCode: 503}
		}
		return schema.I32(3), nil
	}
	handler := RetryMiddleware(3, time.Millisecond, zaptest.NewLogger(t))(flaky)

	v, err := handler(context.Background(), newCall(t))
	require.NoError(t, err)
	assert.Equal(t, schema.I32(3), v)
	assert.Equal(t, 3, attempts)
}

func TestRetrySkipsDecodedErrors(t *testing.T) {
	attempts := 0
	failing := func(ctx context.Context, call *message.Call) (schema.Value, error) {
		attempts++
		return nil, &message.ApplicationException{Code: message.InternalError}
	}
	handler := RetryMiddleware(3, time.Millisecond, zap.NewNop())(failing)

	_, err := handler(context.Background(), newCall(t))
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryGivesUp(t *testing.T) {
	attempts := 0
	down := func(ctx context.Context, call *message.Call) (schema.Value, error) {
		attempts++
		return nil, &transport.FailureError{Endpoint: "http://svc", StatusCode: 503}
	}
	handler := RetryMiddleware(2, time.Millisecond, zap.NewNop())(down)

	_, err := handler(context.Background(), newCall(t))
	assert.True(t, errors.Is(err, transport.ErrTransportFailure))
	assert.Equal(t, 3, attempts)
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) (schema.Value, error) {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}
	chained := Chain(trace("outer"), LoggingMiddleware(zaptest.NewLogger(t)), TimeOutMiddleware(500*time.Millisecond), trace("inner"))
	handler := chained(echoHandler)

	v, err := handler(context.Background(), newCall(t))
	require.NoError(t, err)
	assert.Equal(t, schema.I32(3), v)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
