package message

import (
	"context"

	"github.com/pkg/errors"

	"binrpc/codec"
	"binrpc/schema"
	"binrpc/transport"
)

// SendRequest writes a call of m on p, flushes trans and decodes the reply.
// p must write to trans. Oneway calls return (nil, nil) once sent.
func (m *Method) SendRequest(ctx context.Context, trans transport.Transport, p *codec.BinaryProtocol, seq int32, args *schema.Struct) (schema.Value, error) {
	if args == nil {
		args = m.Args.New()
	}
	if err := WriteHeader(p, Header{Name: m.Alias, Kind: m.kind(), SeqID: seq}); err != nil {
		return nil, err
	}
	if err := m.Args.Write(p, args); err != nil {
		return nil, errors.Wrapf(err, "writing %s arguments", m.Alias)
	}
	if err := p.WriteMessageEnd(); err != nil {
		return nil, err
	}

	if m.oneway {
		if f, ok := trans.(transport.OnewayFlusher); ok {
			return nil, f.FlushOneway(ctx)
		}
		return nil, trans.Flush(ctx)
	}
	if err := trans.Flush(ctx); err != nil {
		return nil, err
	}
	return m.ProcessResponse(p, seq)
}

// ProcessResponse reads the reply to call seq of m.
//
// An EXCEPTION reply yields *ApplicationException. A reply of another kind,
// for another method or another sequence id fails with ErrProtocolMismatch.
// Otherwise the first present exception field is returned as *Exception, or
// field 0 as the result. Void methods return a nil Value.
func (m *Method) ProcessResponse(p *codec.BinaryProtocol, seq int32) (schema.Value, error) {
	h, err := ReadHeader(p)
	if err != nil {
		return nil, err
	}
	if h.Kind == codec.Exception {
		ae, err := ReadApplicationException(p)
		if err != nil {
			return nil, err
		}
		if err := p.ReadMessageEnd(); err != nil {
			return nil, err
		}
		return nil, ae
	}
	if h.Kind != codec.Reply {
		return nil, errors.Wrapf(ErrProtocolMismatch, "expected reply, received %s", h.Kind)
	}
	if h.Name != m.Alias {
		return nil, errors.Wrapf(ErrProtocolMismatch, "expected method %q, received %q", m.Alias, h.Name)
	}
	if h.SeqID != seq {
		return nil, errors.Wrapf(ErrProtocolMismatch, "expected sequence id %d, received %d", seq, h.SeqID)
	}

	v, err := m.Result.Read(p)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s result", m.Alias)
	}
	if err := p.ReadMessageEnd(); err != nil {
		return nil, err
	}
	result := v.(*schema.Struct)

	for _, f := range m.Result.Fields() {
		if f.ID < 1 {
			continue
		}
		if ev, ok := result.Fields[f.ID].(*schema.Struct); ok {
			return nil, &Exception{Field: f.Name, Value: ev}
		}
	}
	return result.Fields[0], nil
}

// SendResponse writes a REPLY carrying result.
func (m *Method) SendResponse(p *codec.BinaryProtocol, seq int32, result *schema.Struct) error {
	if err := WriteHeader(p, Header{Name: m.Alias, Kind: codec.Reply, SeqID: seq}); err != nil {
		return err
	}
	if err := m.Result.Write(p, result); err != nil {
		return errors.Wrapf(err, "writing %s result", m.Alias)
	}
	return p.WriteMessageEnd()
}

// SetByDef stores err in the result field declared for its exception type.
// It reports false when err is not a declared exception of m.
func (m *Method) SetByDef(result *schema.Struct, err error) bool {
	var exc *Exception
	if !errors.As(err, &exc) || exc.Value == nil || exc.Value.Type == nil {
		return false
	}
	for _, f := range m.Result.Fields() {
		if f.ID < 1 {
			continue
		}
		if f.Type == exc.Value.Type {
			result.SetField(f.ID, exc.Value)
			return true
		}
	}
	return false
}

// SendException writes an EXCEPTION message for call name/seq.
func SendException(p *codec.BinaryProtocol, name string, seq int32, e *ApplicationException) error {
	if err := WriteHeader(p, Header{Name: name, Kind: codec.Exception, SeqID: seq}); err != nil {
		return err
	}
	if err := ApplicationExceptionType.Write(p, e.toStruct()); err != nil {
		return err
	}
	return p.WriteMessageEnd()
}
