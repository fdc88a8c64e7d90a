package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"binrpc/protocol"
)

// DefaultHeartbeat is the interval between keep-alive frames.
const DefaultHeartbeat = 30 * time.Second

// SocketTransport sends each flushed buffer as one protocol frame over a
// persistent TCP connection.
//
//	Flush ──frame(seq=n)──→ conn ──→ Server
//	recvLoop ←── frame(seq=n) → pending[n] → Flush returns
//
// A flush abandoned through its context leaves its seq in no map, so a late
// response is dropped by recvLoop instead of being read by the next call.
type SocketTransport struct {
	exchange
	conn      net.Conn
	seq       uint32     // Protected by sending
	pending   sync.Map   // map[uint32]chan frameResult
	sending   sync.Mutex // Frames from Flush and heartbeatLoop must not interleave
	closed    atomic.Bool
	done      chan struct{}
	heartbeat time.Duration
	logger    *zap.Logger
}

type frameResult struct {
	body []byte
	err  error
}

// SocketOption configures a SocketTransport.
type SocketOption func(*SocketTransport)

// WithHeartbeat sets the keep-alive interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) SocketOption {
	return func(t *SocketTransport) { t.heartbeat = d }
}

func WithSocketLogger(l *zap.Logger) SocketOption {
	return func(t *SocketTransport) { t.logger = l }
}

// DialSocket connects to addr and wraps the connection.
func DialSocket(ctx context.Context, addr string, opts ...SocketOption) (*SocketTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &FailureError{Endpoint: addr, Err: err}
	}
	return NewSocketTransport(conn, opts...), nil
}

// NewSocketTransport starts two background goroutines on conn:
//   - recvLoop: reads response frames and hands them to the waiting flush
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewSocketTransport(conn net.Conn, opts ...SocketOption) *SocketTransport {
	t := &SocketTransport{
		conn:      conn,
		done:      make(chan struct{}),
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

func (t *SocketTransport) Flush(ctx context.Context) error {
	return t.flush(ctx, t.roundTrip)
}

// FlushOneway writes the buffered request with the oneway flag and returns
// without waiting. No response will be readable.
func (t *SocketTransport) FlushOneway(ctx context.Context) error {
	return t.flush(ctx, func(ctx context.Context, req []byte) ([]byte, error) {
		_, _, err := t.send(req, protocol.FlagOneway)
		return nil, err
	})
}

func (t *SocketTransport) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	seq, ch, err := t.send(req, 0)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	case <-t.done:
		// recvLoop may have delivered just before exiting.
		select {
		case r := <-ch:
			return r.body, r.err
		default:
		}
		return nil, t.failure(ErrClosed)
	}
}

// send writes one request frame. The response channel is registered before
// the write so recvLoop can never see a response it has no slot for.
func (t *SocketTransport) send(body []byte, flags byte) (uint32, <-chan frameResult, error) {
	if t.closed.Load() {
		return 0, nil, t.failure(ErrClosed)
	}
	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	var ch chan frameResult
	if flags&protocol.FlagOneway == 0 {
		ch = make(chan frameResult, 1) // Buffered so recvLoop never blocks
		t.pending.Store(seq, ch)
	}

	header := protocol.Header{
		Flags:   flags,
		MsgType: protocol.MsgTypeRequest,
		Seq:     seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, t.failure(err)
	}
	return seq, ch, nil
}

// recvLoop is the only reader of conn; frame boundaries depend on
// sequential reads.
func (t *SocketTransport) recvLoop() {
	defer close(t.done)
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			if !t.closed.Load() {
				t.logger.Debug("connection lost", zap.String("remote", t.remote()), zap.Error(err))
			}
			t.closeAllPending(t.failure(err))
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan frameResult) <- frameResult{body: body}
		} else {
			t.logger.Debug("dropping unmatched response", zap.Uint32("seq", header.Seq))
		}
	}
}

// closeAllPending fails every waiting flush so none blocks forever.
func (t *SocketTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		value.(chan frameResult) <- frameResult{err: err}
		t.pending.Delete(key)
		return true
	})
}

func (t *SocketTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.logger.Debug("heartbeat failed", zap.String("remote", t.remote()), zap.Error(err))
			return
		}
	}
}

func (t *SocketTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}

// Conn returns the underlying TCP connection.
func (t *SocketTransport) Conn() net.Conn {
	return t.conn
}

func (t *SocketTransport) remote() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *SocketTransport) failure(err error) error {
	var fe *FailureError
	if errors.As(err, &fe) {
		return err
	}
	return &FailureError{Endpoint: t.remote(), Err: err}
}
