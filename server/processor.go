package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"binrpc/codec"
	"binrpc/message"
	"binrpc/middleware"
	"binrpc/schema"
)

// HandlerFunc implements one method. It returns the value for result
// field 0, or an error. A *message.Exception whose type is declared by the
// method is sent as that result field; any other error becomes an
// INTERNAL_ERROR application exception.
type HandlerFunc func(ctx context.Context, args *schema.Struct) (schema.Value, error)

type entry struct {
	method  *message.Method
	handler HandlerFunc
}

// Processor decodes calls, dispatches them by method name and encodes the
// replies.
type Processor struct {
	mu          sync.RWMutex
	methods     map[string]entry
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // Rebuilt by Use

	protocol []codec.Option
	logger   *zap.Logger
}

func NewProcessor(logger *zap.Logger, opts ...codec.Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		methods:  make(map[string]entry),
		protocol: opts,
		logger:   logger,
	}
	p.handler = p.dispatch
	return p
}

// AddMethod registers h as the implementation of m, replacing any previous
// one with the same alias.
func (p *Processor) AddMethod(m *message.Method, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[m.Alias] = entry{method: m, handler: h}
}

// Use registers middlewares around every handler. They are applied in the
// order they are added.
func (p *Processor) Use(mws ...middleware.Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middlewares = append(p.middlewares, mws...)
	p.handler = middleware.Chain(p.middlewares...)(p.dispatch)
}

func (p *Processor) lookup(name string) (entry, middleware.HandlerFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.methods[name]
	return e, p.handler, ok
}

// Process reads one message from in and writes the reply, if any, to out.
// Failures of the called method are written as replies; the returned error
// reports only a request that could not be decoded or a reply that could
// not be written.
func (p *Processor) Process(ctx context.Context, in, out *codec.BinaryProtocol) error {
	h, err := message.ReadHeader(in)
	if err != nil {
		return err
	}
	if h.Kind != codec.Call && h.Kind != codec.Oneway {
		if err := in.Skip(codec.TypeStruct); err != nil {
			return err
		}
		return message.SendException(out, h.Name, h.SeqID, &message.ApplicationException{
			Message: fmt.Sprintf("unexpected message kind %s", h.Kind),
			Code:    message.InvalidMessageType,
		})
	}

	e, handler, ok := p.lookup(h.Name)
	if !ok {
		if err := in.Skip(codec.TypeStruct); err != nil {
			return err
		}
		if err := in.ReadMessageEnd(); err != nil {
			return err
		}
		p.logger.Warn("unknown method", zap.Stringer("header", h))
		if h.Kind == codec.Oneway {
			return nil
		}
		return message.SendException(out, h.Name, h.SeqID, &message.ApplicationException{
			Message: fmt.Sprintf("unknown method %s", h.Name),
			Code:    message.UnknownMethod,
		})
	}

	v, err := e.method.Args.Read(in)
	if err != nil {
		return errors.Wrapf(err, "reading %s arguments", h.Name)
	}
	if err := in.ReadMessageEnd(); err != nil {
		return err
	}

	value, err := handler(ctx, &message.Call{Method: e.method, SeqID: h.SeqID, Args: v.(*schema.Struct)})
	if h.Kind == codec.Oneway || e.method.IsOneway() {
		if err != nil {
			p.logger.Warn("oneway call failed", zap.String("method", h.Name), zap.Error(err))
		}
		return nil
	}

	if err == nil && value != nil && e.method.Result.FieldByID(0) == nil {
		p.logger.Error("handler returned a value for a void method", zap.String("method", h.Name))
		err = errors.Errorf("%s declares no result, handler returned %T", h.Name, value)
	}

	result := e.method.Result.New()
	switch {
	case err == nil:
		result.SetField(0, value)
	case e.method.SetByDef(result, err):
	default:
		var ae *message.ApplicationException
		if !errors.As(err, &ae) {
			ae = &message.ApplicationException{Message: err.Error(), Code: message.InternalError}
		}
		return message.SendException(out, h.Name, h.SeqID, ae)
	}
	return e.method.SendResponse(out, h.SeqID, result)
}

// dispatch is the innermost handler of the middleware chain.
func (p *Processor) dispatch(ctx context.Context, call *message.Call) (schema.Value, error) {
	p.mu.RLock()
	e, ok := p.methods[call.Method.Alias]
	p.mu.RUnlock()
	if !ok {
		return nil, &message.ApplicationException{Message: "unknown method " + call.Method.Alias, Code: message.UnknownMethod}
	}
	return e.handler(ctx, call.Args)
}

// Handle processes one encoded request and returns the encoded reply, which
// is empty for oneway calls. It satisfies transport.HandlerFunc.
//
// When the reply cannot be written, e.g. because a handler returned a value
// of the wrong type, the partial reply is replaced by an INTERNAL_ERROR
// exception.
func (p *Processor) Handle(ctx context.Context, req []byte) ([]byte, error) {
	out := codec.NewMemBuffer(nil)
	err := p.Process(ctx,
		codec.NewBinaryProtocol(codec.NewMemBuffer(req), p.protocol...),
		codec.NewBinaryProtocol(out, p.protocol...),
	)
	if err == nil {
		return out.Pending(), nil
	}

	h, herr := message.ReadHeader(codec.NewBinaryProtocol(codec.NewMemBuffer(req), p.protocol...))
	if herr != nil || h.Kind != codec.Call {
		return nil, err
	}
	p.logger.Error("processing call", zap.Stringer("header", h), zap.Error(err))
	out.Reset()
	ae := &message.ApplicationException{Message: err.Error(), Code: message.InternalError}
	if errors.Is(err, codec.ErrBufferUnderrun) || errors.Is(err, codec.ErrInvalidWireType) {
		ae.Code = message.ProtocolError
	}
	if err := message.SendException(codec.NewBinaryProtocol(out, p.protocol...), h.Name, h.SeqID, ae); err != nil {
		return nil, err
	}
	return out.Pending(), nil
}
