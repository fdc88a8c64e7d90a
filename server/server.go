// Package server answers binary RPC calls over HTTP and over framed TCP
// connections.
//
// Request processing pipeline:
//
//	HTTP POST ──────────────→ ServeHTTP ─┐
//	Accept conn → handleConn ─→ go handleRequest ─┴→ Processor.Handle
//	  → decode header/args → Middleware Chain → HandlerFunc → encode reply
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"binrpc/codec"
	"binrpc/message"
	"binrpc/middleware"
	"binrpc/protocol"
	"binrpc/registry"
	"binrpc/transport"
)

// RegistrationTTL is the lease, in seconds, of the endpoints Serve
// registers. KeepAlive renews it while the server runs.
const RegistrationTTL = 10

var ErrShutdownTimeout = errors.New("server: timeout waiting for ongoing requests to finish")

// Server hosts the methods of one or more services.
type Server struct {
	proc     *Processor
	services map[string]struct{} // Names registered in the registry by Serve
	logger   *zap.Logger

	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]struct{}
	registry  registry.Registry // nil if not using discovery
	advertise registry.Endpoint
	wg        sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown  atomic.Bool    // Set during shutdown to suppress Accept errors
}

// Option configures a Server.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	protocol []codec.Option
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProtocolOptions configures the BinaryProtocol used for every request.
func WithProtocolOptions(opts ...codec.Option) Option {
	return func(o *options) { o.protocol = append(o.protocol, opts...) }
}

func NewServer(opts ...Option) *Server {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		proc:     NewProcessor(o.logger, o.protocol...),
		services: make(map[string]struct{}),
		conns:    make(map[net.Conn]struct{}),
		logger:   o.logger,
	}
}

// Register makes h answer calls of m as part of service.
func (svr *Server) Register(service string, m *message.Method, h HandlerFunc) {
	svr.mu.Lock()
	svr.services[service] = struct{}{}
	svr.mu.Unlock()
	svr.proc.AddMethod(m, h)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.proc.Use(mw)
}

// Processor returns the processor behind the server, e.g. to serve it
// through a transport.HandlerTransport.
func (svr *Server) Processor() *Processor { return svr.proc }

// ServeHTTP answers one POSTed message.
func (svr *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(protocol.MaxBodyLen)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	resp, err := svr.proc.Handle(r.Context(), body)
	if err != nil {
		svr.logger.Warn("bad request", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", transport.ContentType)
	_, _ = w.Write(resp)
}

// Serve listens on address and answers framed requests until Shutdown.
//
// Parameters:
//   - advertiseURL: the endpoint registered for every service, e.g.
//     "127.0.0.1:8080". It differs from the listen address because ":8080"
//     is not routable from other hosts.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (svr *Server) Serve(network, address, advertiseURL string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.serve(listener, advertiseURL, reg)
}

func (svr *Server) serve(listener net.Listener, advertiseURL string, reg registry.Registry) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.advertise = registry.Endpoint{URL: advertiseURL, Weight: 1}
	svr.registry = reg
	services := svr.serviceNames()
	svr.mu.Unlock()

	if reg != nil {
		for _, name := range services {
			if err := reg.Register(context.Background(), name, svr.advertise, RegistrationTTL); err != nil {
				_ = listener.Close()
				return errors.Wrapf(err, "server: registering %s", name)
			}
		}
	}
	svr.logger.Info("serving", zap.Stringer("addr", listener.Addr()), zap.Strings("services", services))

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close() in Shutdown makes Accept fail.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.mu.Lock()
		svr.conns[conn] = struct{}{}
		svr.mu.Unlock()
		go svr.handleConn(conn)
	}
}

func (svr *Server) serviceNames() []string {
	names := make([]string, 0, len(svr.services))
	for name := range svr.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Addr returns the listening address once Serve has started.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn reads frames sequentially and answers each request in its own
// goroutine. writeMu keeps concurrent replies from interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !svr.shutdown.Load() {
				svr.logger.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			writeMu.Lock()
			err = protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
			continue
		case protocol.MsgTypeResponse:
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	resp, err := svr.proc.Handle(context.Background(), body)
	if err != nil {
		// An empty body fails the client's decode instead of leaving it waiting.
		svr.logger.Warn("bad request", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		resp = nil
	}
	if header.Flags&protocol.FlagOneway != 0 {
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	reply := protocol.Header{
		MsgType: protocol.MsgTypeResponse,
		Seq:     header.Seq,
		BodyLen: uint32(len(resp)),
	}
	if err := protocol.Encode(conn, &reply, resp); err != nil {
		svr.logger.Warn("writing reply", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout), then close the
//     remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	reg, ep, listener := svr.registry, svr.advertise, svr.listener
	services := svr.serviceNames()
	svr.mu.Unlock()

	if reg != nil {
		for _, name := range services {
			if err := reg.Deregister(context.Background(), name, ep.URL); err != nil {
				svr.logger.Warn("deregistering", zap.String("service", name), zap.Error(err))
			}
		}
	}

	svr.shutdown.Store(true)
	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = ErrShutdownTimeout
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		_ = conn.Close()
	}
	svr.mu.Unlock()
	return err
}
