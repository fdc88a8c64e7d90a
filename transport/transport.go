// Package transport carries encoded messages between client and server.
//
// A Transport buffers everything written to it and sends it as one request
// when flushed; the response bytes then become readable through ReadN:
//
//	Write(...) Write(...) ──Flush──→ one request ──→ peer
//	ReadN(...) ReadN(...) ←─────────  one response ←──┘
//
// Only one flush may be outstanding at a time. The client package enforces
// this with a per-client call queue; a transport that detects overlapping
// flushes reports ErrFlushInProgress instead of mixing buffers.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"binrpc/codec"
)

// ContentType identifies the binary RPC payload over HTTP.
const ContentType = "application/x-thrift"

var (
	// ErrTransportFailure matches every network or status failure raised
	// during a flush.
	ErrTransportFailure = errors.New("transport: request failed")
	ErrFlushInProgress  = errors.New("transport: flush already in progress")
	ErrClosed           = errors.New("transport: closed")
)

// Transport is a byte buffer with a request/response cycle.
type Transport interface {
	codec.Transport
	// Flush sends the buffered bytes as one request and makes the response
	// readable. Unread bytes of the previous response are discarded.
	Flush(ctx context.Context) error
	// Reset drops buffered output and unread input, e.g. after a write
	// failed halfway through a message.
	Reset()
	Close() error
}

// OnewayFlusher is implemented by transports that can send a request
// without waiting for a reply.
type OnewayFlusher interface {
	FlushOneway(ctx context.Context) error
}

// FailureError describes a failed exchange. It matches ErrTransportFailure
// with errors.Is and unwraps to the underlying network error, if any.
type FailureError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *FailureError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s returned status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("transport: %s: %v", e.Endpoint, e.Err)
}

func (e *FailureError) Is(target error) bool { return target == ErrTransportFailure }

func (e *FailureError) Unwrap() error { return e.Err }

// roundTripFunc performs the single request of a flush.
type roundTripFunc func(ctx context.Context, req []byte) ([]byte, error)

// exchange holds the outgoing and incoming buffers shared by all transports.
type exchange struct {
	out  []byte
	in   *codec.MemBuffer
	busy atomic.Bool
}

func (x *exchange) Write(p []byte) (int, error) {
	x.out = append(x.out, p...)
	return len(p), nil
}

func (x *exchange) ReadN(n int) ([]byte, error) {
	if x.in == nil {
		return nil, errors.Wrapf(codec.ErrBufferUnderrun, "need %d bytes, nothing received", n)
	}
	return x.in.ReadN(n)
}

// Remaining reports the unread response bytes.
func (x *exchange) Remaining() int {
	if x.in == nil {
		return 0
	}
	return x.in.Remaining()
}

func (x *exchange) Reset() {
	x.out = nil
	x.in = nil
}

// flush sends out through rt and replaces the incoming buffer. The
// outgoing buffer is reset whether or not the request succeeds.
func (x *exchange) flush(ctx context.Context, rt roundTripFunc) error {
	if !x.busy.CompareAndSwap(false, true) {
		return ErrFlushInProgress
	}
	defer x.busy.Store(false)

	req := x.out
	x.out = nil
	x.in = nil
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := rt(ctx, req)
	if err != nil {
		return err
	}
	x.in = codec.NewMemBuffer(resp)
	return nil
}

// HandlerFunc answers one request in-process.
type HandlerFunc func(ctx context.Context, req []byte) ([]byte, error)

// HandlerTransport hands each flushed request to a function in the same
// process, typically server.Processor.Handle.
type HandlerTransport struct {
	exchange
	handler HandlerFunc
	closed  atomic.Bool
}

func NewHandlerTransport(h HandlerFunc) *HandlerTransport {
	return &HandlerTransport{handler: h}
}

func (t *HandlerTransport) Flush(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.flush(ctx, roundTripFunc(t.handler))
}

func (t *HandlerTransport) Close() error {
	t.closed.Store(true)
	return nil
}
