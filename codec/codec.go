// Package codec implements the binary wire protocol: fixed-width big-endian
// primitives, length-prefixed strings, container headers, the versioned message
// header and schema-independent skipping of unknown values.
package codec

import "fmt"

// Type is the byte tag identifying a value's binary shape on the wire.
type Type byte

const (
	TypeStop   Type = 0
	TypeVoid   Type = 1
	TypeBool   Type = 2
	TypeByte   Type = 3
	TypeDouble Type = 4
	TypeI16    Type = 6
	TypeI32    Type = 8
	TypeI64    Type = 10
	TypeString Type = 11
	TypeStruct Type = 12
	TypeMap    Type = 13
	TypeSet    Type = 14
	TypeList   Type = 15
	// TypeBinary only exists at the schema level. It is serialized with the
	// string code so that old readers keep working.
	TypeBinary Type = 18
)

var typeNames = map[Type]string{
	TypeStop:   "stop",
	TypeVoid:   "void",
	TypeBool:   "bool",
	TypeByte:   "byte",
	TypeDouble: "double",
	TypeI16:    "i16",
	TypeI32:    "i32",
	TypeI64:    "i64",
	TypeString: "string",
	TypeStruct: "struct",
	TypeMap:    "map",
	TypeSet:    "set",
	TypeList:   "list",
	TypeBinary: "binary",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Serialized returns the code written on the wire for t.
func (t Type) Serialized() Type {
	if t == TypeBinary {
		return TypeString
	}
	return t
}

// Equal reports whether a declared type and a received type describe the same
// wire shape. String and binary are interchangeable.
func Equal(a, b Type) bool {
	return a.Serialized() == b.Serialized()
}

// MessageType is the kind carried in a message header.
type MessageType byte

const (
	Call      MessageType = 1
	Reply     MessageType = 2
	Exception MessageType = 3
	Oneway    MessageType = 4
)

func (m MessageType) String() string {
	switch m {
	case Call:
		return "call"
	case Reply:
		return "reply"
	case Exception:
		return "exception"
	case Oneway:
		return "oneway"
	}
	return fmt.Sprintf("message-type(%d)", byte(m))
}

// Version constants of the strict message header. The leading i32 of a
// versioned header is VersionOne | kind, which is always negative.
const (
	VersionMask uint32 = 0xffff0000
	VersionOne  uint32 = 0x80010000
	KindMask    uint32 = 0x000000ff
)

// MaxSafeInteger is the largest integer a peer that stores numbers as IEEE-754
// doubles can represent exactly (2^53 - 1).
const MaxSafeInteger int64 = 1<<53 - 1

const (
	DefaultMaxLength = 64 * 1024 * 1024
	MaxDepth         = 64
)
