// Package message frames RPC calls and replies.
//
// Every message is an envelope followed by one struct:
//
//	MessageBegin(name, kind, seq) | args or result struct | MessageEnd
//
// A Method binds a name to its argument and result descriptors. The result
// struct reserves field 0 for the return value and ids ≥ 1 for the declared
// exceptions, checked in id order.
package message

import (
	"fmt"

	"github.com/pkg/errors"

	"binrpc/codec"
	"binrpc/schema"
)

// ErrProtocolMismatch reports a reply that does not belong to the call:
// unexpected kind, method name, or sequence id.
var ErrProtocolMismatch = errors.New("message: protocol mismatch")

// Header is the envelope of one message.
type Header struct {
	Name  string
	Kind  codec.MessageType
	SeqID int32
}

func (h Header) String() string {
	return fmt.Sprintf("%s %q seq=%d", h.Kind, h.Name, h.SeqID)
}

func WriteHeader(p *codec.BinaryProtocol, h Header) error {
	return p.WriteMessageBegin(h.Name, h.Kind, h.SeqID)
}

func ReadHeader(p *codec.BinaryProtocol) (Header, error) {
	name, kind, seq, err := p.ReadMessageBegin()
	if err != nil {
		return Header{}, err
	}
	return Header{Name: name, Kind: kind, SeqID: seq}, nil
}

// Role tells the client what supplies an argument.
type Role int

const (
	// RoleArgument is provided by the caller.
	RoleArgument Role = iota
	// RoleAuthToken is filled from the session token.
	RoleAuthToken
)

// Param is one declared argument, in positional order.
type Param struct {
	Field *schema.Field
	Role  Role
}

// Method is the static definition of one RPC method.
type Method struct {
	Alias  string
	Args   *schema.StructType
	Result *schema.StructType
	Params []Param

	oneway bool
}

// Option adjusts a Method at definition time.
type Option func(*Method)

// WithAuthToken marks the argument named field as the authentication token.
func WithAuthToken(field string) Option {
	return func(m *Method) {
		for i := range m.Params {
			if m.Params[i].Field.Name == field {
				m.Params[i].Role = RoleAuthToken
				return
			}
		}
		panic(fmt.Sprintf("message: %s has no argument %q", m.Alias, field))
	}
}

// Oneway marks a method whose calls are never answered.
func Oneway() Option {
	return func(m *Method) { m.oneway = true }
}

// Define builds a method. Arguments are positional in field id order.
// Result fields with ids ≥ 1 must be exception structs.
func Define(alias string, args, result *schema.StructType, opts ...Option) *Method {
	if args == nil {
		args = schema.NewStruct(alias + "_args")
	}
	if result == nil {
		result = schema.NewStruct(alias + "_result")
	}
	for _, f := range result.Fields() {
		if f.ID < 1 {
			continue
		}
		if _, ok := f.Type.(*schema.StructType); !ok {
			panic(fmt.Sprintf("message: %s result field %q must be a struct", alias, f.Name))
		}
	}
	m := &Method{Alias: alias, Args: args, Result: result}
	for _, f := range args.Fields() {
		m.Params = append(m.Params, Param{Field: f})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Method) IsOneway() bool { return m.oneway }

// AuthTokenIndex is the position of the auth-token argument, or -1.
func (m *Method) AuthTokenIndex() int {
	for i, p := range m.Params {
		if p.Role == RoleAuthToken {
			return i
		}
	}
	return -1
}

// Bind builds the argument struct from positional values. A nil value
// leaves its field absent.
func (m *Method) Bind(values ...schema.Value) (*schema.Struct, error) {
	if len(values) != len(m.Params) {
		return nil, errors.Errorf("message: %s takes %d arguments, got %d", m.Alias, len(m.Params), len(values))
	}
	s := m.Args.New()
	for i, p := range m.Params {
		s.SetField(p.Field.ID, values[i])
	}
	return s, nil
}

// Call is one invocation of a method as seen by middleware on either side.
type Call struct {
	Method *Method
	SeqID  int32
	Args   *schema.Struct
}

// kind is the message kind used for calls of m.
func (m *Method) kind() codec.MessageType {
	if m.oneway {
		return codec.Oneway
	}
	return codec.Call
}
