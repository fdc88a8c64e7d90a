package message

import (
	"fmt"

	"github.com/pkg/errors"

	"binrpc/codec"
	"binrpc/schema"
)

// ExceptionCode classifies an ApplicationException.
type ExceptionCode int32

const (
	Unknown               ExceptionCode = 0
	UnknownMethod         ExceptionCode = 1
	InvalidMessageType    ExceptionCode = 2
	WrongMethodName       ExceptionCode = 3
	BadSequenceID         ExceptionCode = 4
	MissingResult         ExceptionCode = 5
	InternalError         ExceptionCode = 6
	ProtocolError         ExceptionCode = 7
	InvalidTransform      ExceptionCode = 8
	InvalidProtocol       ExceptionCode = 9
	UnsupportedClientType ExceptionCode = 10
)

var codeNames = map[ExceptionCode]string{
	Unknown:               "UNKNOWN",
	UnknownMethod:         "UNKNOWN_METHOD",
	InvalidMessageType:    "INVALID_MESSAGE_TYPE",
	WrongMethodName:       "WRONG_METHOD_NAME",
	BadSequenceID:         "BAD_SEQUENCE_ID",
	MissingResult:         "MISSING_RESULT",
	InternalError:         "INTERNAL_ERROR",
	ProtocolError:         "PROTOCOL_ERROR",
	InvalidTransform:      "INVALID_TRANSFORM",
	InvalidProtocol:       "INVALID_PROTOCOL",
	UnsupportedClientType: "UNSUPPORTED_CLIENT_TYPE",
}

func (c ExceptionCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("EXCEPTION_CODE(%d)", int32(c))
}

// ApplicationExceptionType is the generic exception sent with the
// EXCEPTION message kind.
var ApplicationExceptionType = schema.NewException("ApplicationException",
	schema.NewField(1, "message", schema.StringType),
	&schema.Field{ID: 2, Name: "code", Type: schema.I32Type, Default: schema.I32(InternalError)},
)

// ApplicationException is a failure reported by the RPC layer of the peer
// rather than by the called method.
type ApplicationException struct {
	Message string
	Code    ExceptionCode
}

func (e *ApplicationException) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("application exception: %s", e.Code)
	}
	return fmt.Sprintf("application exception: %s: %s", e.Code, e.Message)
}

func (e *ApplicationException) toStruct() *schema.Struct {
	s := ApplicationExceptionType.New()
	if e.Message != "" {
		s.SetField(1, schema.String(e.Message))
	}
	s.SetField(2, schema.I32(e.Code))
	return s
}

// ReadApplicationException decodes the payload of an EXCEPTION message.
func ReadApplicationException(p *codec.BinaryProtocol) (*ApplicationException, error) {
	v, err := ApplicationExceptionType.Read(p)
	if err != nil {
		return nil, errors.Wrap(err, "reading application exception")
	}
	s := v.(*schema.Struct)
	e := &ApplicationException{Code: InternalError}
	if msg, ok := s.Field(1); ok {
		e.Message = stringOf(msg)
	}
	if code, ok := s.Fields[2].(schema.I32); ok {
		e.Code = ExceptionCode(code)
	}
	return e, nil
}

// Exception is a declared exception raised by the called method. Field is
// the result field it arrived in.
type Exception struct {
	Field string
	Value *schema.Struct
}

func (e *Exception) Error() string {
	name := e.Field
	if e.Value != nil && e.Value.Type != nil {
		name = e.Value.Type.Name
	}
	if e.Value != nil {
		if msg := e.Value.Get("message"); msg != nil {
			return fmt.Sprintf("%s: %s", name, stringOf(msg))
		}
	}
	return name
}

// NewException wraps v so a server handler can return it as an error.
func NewException(v *schema.Struct) *Exception {
	return &Exception{Value: v}
}

func stringOf(v schema.Value) string {
	switch x := v.(type) {
	case schema.String:
		return string(x)
	case schema.Binary:
		return string(x)
	}
	return fmt.Sprint(v)
}
