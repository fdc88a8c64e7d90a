package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Option configures a BinaryProtocol.
type Option func(*BinaryProtocol)

// StrictRead rejects legacy (non-versioned) message headers.
func StrictRead() Option {
	return func(p *BinaryProtocol) { p.strictRead = true }
}

// LegacyWrite emits the non-versioned message header.
func LegacyWrite() Option {
	return func(p *BinaryProtocol) { p.strictWrite = false }
}

// FullRangeI64 lifts the +/-(2^53-1) restriction on i64 values. Only use it
// when every peer has native 64-bit integers.
func FullRangeI64() Option {
	return func(p *BinaryProtocol) { p.safeIntegers = false }
}

// MaxLength bounds string, binary and container sizes accepted on read.
func MaxLength(n int) Option {
	return func(p *BinaryProtocol) { p.maxLength = n }
}

// BinaryProtocol reads and writes values in the binary wire format over a
// Transport. It is not safe for concurrent use.
type BinaryProtocol struct {
	trans        Transport
	strictRead   bool
	strictWrite  bool
	safeIntegers bool
	maxLength    int
	scratch      [8]byte
}

func NewBinaryProtocol(trans Transport, opts ...Option) *BinaryProtocol {
	p := &BinaryProtocol{
		trans:        trans,
		strictWrite:  true,
		safeIntegers: true,
		maxLength:    DefaultMaxLength,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Transport returns the underlying byte buffer.
func (p *BinaryProtocol) Transport() Transport {
	return p.trans
}

func (p *BinaryProtocol) write(b []byte) error {
	_, err := p.trans.Write(b)
	return err
}

// WriteMessageBegin writes the envelope header.
//
// Versioned: i32(VersionOne|kind) string(name) i32(seq)
// Legacy:    string(name) byte(kind) i32(seq)
func (p *BinaryProtocol) WriteMessageBegin(name string, kind MessageType, seq int32) error {
	if p.strictWrite {
		if err := p.WriteI32(int32(VersionOne | uint32(kind))); err != nil {
			return err
		}
		if err := p.WriteString(name); err != nil {
			return err
		}
		return p.WriteI32(seq)
	}
	if err := p.WriteString(name); err != nil {
		return err
	}
	if err := p.WriteI8(int8(kind)); err != nil {
		return err
	}
	return p.WriteI32(seq)
}

func (p *BinaryProtocol) WriteMessageEnd() error { return nil }

func (p *BinaryProtocol) WriteStructBegin(name string) error { return nil }

func (p *BinaryProtocol) WriteStructEnd() error { return nil }

func (p *BinaryProtocol) WriteFieldBegin(t Type, id int16) error {
	if err := p.WriteI8(int8(t.Serialized())); err != nil {
		return err
	}
	return p.WriteI16(id)
}

func (p *BinaryProtocol) WriteFieldEnd() error { return nil }

func (p *BinaryProtocol) WriteFieldStop() error {
	return p.WriteI8(int8(TypeStop))
}

func (p *BinaryProtocol) WriteMapBegin(key, value Type, size int) error {
	if err := p.WriteI8(int8(key.Serialized())); err != nil {
		return err
	}
	if err := p.WriteI8(int8(value.Serialized())); err != nil {
		return err
	}
	return p.writeSize(size)
}

func (p *BinaryProtocol) WriteMapEnd() error { return nil }

func (p *BinaryProtocol) WriteListBegin(elem Type, size int) error {
	if err := p.WriteI8(int8(elem.Serialized())); err != nil {
		return err
	}
	return p.writeSize(size)
}

func (p *BinaryProtocol) WriteListEnd() error { return nil }

func (p *BinaryProtocol) WriteSetBegin(elem Type, size int) error {
	return p.WriteListBegin(elem, size)
}

func (p *BinaryProtocol) WriteSetEnd() error { return nil }

func (p *BinaryProtocol) WriteBool(v bool) error {
	if v {
		return p.WriteI8(1)
	}
	return p.WriteI8(0)
}

// WriteI8 writes the byte wire type.
func (p *BinaryProtocol) WriteI8(v int8) error {
	p.scratch[0] = byte(v)
	return p.write(p.scratch[:1])
}

func (p *BinaryProtocol) WriteI16(v int16) error {
	binary.BigEndian.PutUint16(p.scratch[:2], uint16(v))
	return p.write(p.scratch[:2])
}

func (p *BinaryProtocol) WriteI32(v int32) error {
	binary.BigEndian.PutUint32(p.scratch[:4], uint32(v))
	return p.write(p.scratch[:4])
}

// WriteI64 writes a two's-complement big-endian integer. Unless FullRangeI64
// is set, magnitudes above MaxSafeInteger fail with *PrecisionLossError.
func (p *BinaryProtocol) WriteI64(v int64) error {
	if p.safeIntegers && (v > MaxSafeInteger || v < -MaxSafeInteger) {
		return &PrecisionLossError{Value: v}
	}
	binary.BigEndian.PutUint64(p.scratch[:8], uint64(v))
	return p.write(p.scratch[:8])
}

func (p *BinaryProtocol) WriteDouble(v float64) error {
	binary.BigEndian.PutUint64(p.scratch[:8], math.Float64bits(v))
	return p.write(p.scratch[:8])
}

func (p *BinaryProtocol) WriteString(v string) error {
	if err := p.writeSize(len(v)); err != nil {
		return err
	}
	return p.write([]byte(v))
}

func (p *BinaryProtocol) WriteBinary(v []byte) error {
	if err := p.writeSize(len(v)); err != nil {
		return err
	}
	return p.write(v)
}

func (p *BinaryProtocol) writeSize(n int) error {
	if n > math.MaxInt32 {
		return errors.Wrapf(ErrSizeLimit, "size %d does not fit in i32", n)
	}
	return p.WriteI32(int32(n))
}

// ReadMessageBegin reads either header form. A negative leading i32 is a
// versioned header; a non-negative one is the byte length of a legacy name.
func (p *BinaryProtocol) ReadMessageBegin() (name string, kind MessageType, seq int32, err error) {
	sz, err := p.ReadI32()
	if err != nil {
		return "", 0, 0, err
	}
	if sz < 0 {
		version := uint32(sz) & VersionMask
		if version != VersionOne {
			return "", 0, 0, errors.Wrapf(ErrBadVersion, "header %#08x", uint32(sz))
		}
		kind = MessageType(uint32(sz) & KindMask)
		if name, err = p.ReadString(); err != nil {
			return "", 0, 0, err
		}
	} else {
		if p.strictRead {
			return "", 0, 0, errors.Wrap(ErrBadVersion, "missing version in message header")
		}
		if int(sz) > p.maxLength {
			return "", 0, 0, errors.Wrapf(ErrSizeLimit, "method name of %d bytes", sz)
		}
		b, err := p.trans.ReadN(int(sz))
		if err != nil {
			return "", 0, 0, err
		}
		name = string(b)
		k, err := p.ReadI8()
		if err != nil {
			return "", 0, 0, err
		}
		kind = MessageType(k)
	}
	if seq, err = p.ReadI32(); err != nil {
		return "", 0, 0, err
	}
	return name, kind, seq, nil
}

func (p *BinaryProtocol) ReadMessageEnd() error { return nil }

func (p *BinaryProtocol) ReadStructBegin() error { return nil }

func (p *BinaryProtocol) ReadStructEnd() error { return nil }

// ReadFieldBegin returns TypeStop with id 0 at the end of a struct.
func (p *BinaryProtocol) ReadFieldBegin() (Type, int16, error) {
	t, err := p.ReadI8()
	if err != nil {
		return 0, 0, err
	}
	if Type(t) == TypeStop {
		return TypeStop, 0, nil
	}
	id, err := p.ReadI16()
	if err != nil {
		return 0, 0, err
	}
	return Type(t), id, nil
}

func (p *BinaryProtocol) ReadFieldEnd() error { return nil }

func (p *BinaryProtocol) ReadMapBegin() (key, value Type, size int, err error) {
	k, err := p.ReadI8()
	if err != nil {
		return 0, 0, 0, err
	}
	v, err := p.ReadI8()
	if err != nil {
		return 0, 0, 0, err
	}
	size, err = p.readSize()
	if err != nil {
		return 0, 0, 0, err
	}
	return Type(k), Type(v), size, nil
}

func (p *BinaryProtocol) ReadMapEnd() error { return nil }

func (p *BinaryProtocol) ReadListBegin() (elem Type, size int, err error) {
	e, err := p.ReadI8()
	if err != nil {
		return 0, 0, err
	}
	size, err = p.readSize()
	if err != nil {
		return 0, 0, err
	}
	return Type(e), size, nil
}

func (p *BinaryProtocol) ReadListEnd() error { return nil }

func (p *BinaryProtocol) ReadSetBegin() (elem Type, size int, err error) {
	return p.ReadListBegin()
}

func (p *BinaryProtocol) ReadSetEnd() error { return nil }

// ReadBool treats any non-zero byte as true.
func (p *BinaryProtocol) ReadBool() (bool, error) {
	b, err := p.ReadI8()
	return b != 0, err
}

func (p *BinaryProtocol) ReadI8() (int8, error) {
	b, err := p.trans.ReadN(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (p *BinaryProtocol) ReadI16() (int16, error) {
	b, err := p.trans.ReadN(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (p *BinaryProtocol) ReadI32() (int32, error) {
	b, err := p.trans.ReadN(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (p *BinaryProtocol) ReadI64() (int64, error) {
	b, err := p.trans.ReadN(8)
	if err != nil {
		return 0, err
	}
	v := int64(binary.BigEndian.Uint64(b))
	if p.safeIntegers && (v > MaxSafeInteger || v < -MaxSafeInteger) {
		return 0, &PrecisionLossError{Value: v}
	}
	return v, nil
}

func (p *BinaryProtocol) ReadDouble() (float64, error) {
	b, err := p.trans.ReadN(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (p *BinaryProtocol) ReadString() (string, error) {
	n, err := p.readSize()
	if err != nil {
		return "", err
	}
	b, err := p.trans.ReadN(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBinary returns a copy of the bytes, safe to retain.
func (p *BinaryProtocol) ReadBinary() ([]byte, error) {
	n, err := p.readSize()
	if err != nil {
		return nil, err
	}
	b, err := p.trans.ReadN(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (p *BinaryProtocol) readSize() (int, error) {
	n, err := p.ReadI32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrNegativeSize, "size %d", n)
	}
	if int(n) > p.maxLength {
		return 0, errors.Wrapf(ErrSizeLimit, "size %d, limit %d", n, p.maxLength)
	}
	return int(n), nil
}

// Skip consumes a value of type t without materializing it. It depends only
// on the wire type, which is what lets readers step over fields they do not
// know about.
func (p *BinaryProtocol) Skip(t Type) error {
	return p.skip(t, 0)
}

func (p *BinaryProtocol) skip(t Type, depth int) error {
	if depth > MaxDepth {
		return errors.Wrapf(ErrDepthLimit, "skipping %s", t)
	}
	switch t {
	case TypeBool, TypeByte:
		_, err := p.trans.ReadN(1)
		return err
	case TypeI16:
		_, err := p.trans.ReadN(2)
		return err
	case TypeI32:
		_, err := p.trans.ReadN(4)
		return err
	case TypeI64, TypeDouble:
		_, err := p.trans.ReadN(8)
		return err
	case TypeString, TypeBinary:
		n, err := p.readSize()
		if err != nil {
			return err
		}
		_, err = p.trans.ReadN(n)
		return err
	case TypeStruct:
		for {
			ft, _, err := p.ReadFieldBegin()
			if err != nil {
				return err
			}
			if ft == TypeStop {
				return nil
			}
			if err := p.skip(ft, depth+1); err != nil {
				return err
			}
		}
	case TypeMap:
		kt, vt, size, err := p.ReadMapBegin()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := p.skip(kt, depth+1); err != nil {
				return err
			}
			if err := p.skip(vt, depth+1); err != nil {
				return err
			}
		}
		return nil
	case TypeSet, TypeList:
		et, size, err := p.ReadListBegin()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := p.skip(et, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Wrapf(ErrInvalidWireType, "cannot skip %s", t)
}
