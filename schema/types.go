package schema

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"binrpc/codec"
)

var (
	// ErrValueMismatch is returned when a Value's variant does not match the
	// type declared for it.
	ErrValueMismatch = errors.New("schema: value does not match declared type")
	// ErrElementType is returned when a container header announces an element
	// type different from the declared one.
	ErrElementType = errors.Wrap(codec.ErrInvalidWireType, "schema: unexpected element type")
)

// Type is a descriptor: it knows its wire type and how to read and write
// values of its shape. Descriptors are immutable once built.
type Type interface {
	WireType() codec.Type
	Write(p *codec.BinaryProtocol, v Value) error
	Read(p *codec.BinaryProtocol) (Value, error)
}

// Primitive describes a scalar wire type.
type Primitive codec.Type

var (
	BoolType   = Primitive(codec.TypeBool)
	ByteType   = Primitive(codec.TypeByte)
	I16Type    = Primitive(codec.TypeI16)
	I32Type    = Primitive(codec.TypeI32)
	I64Type    = Primitive(codec.TypeI64)
	DoubleType = Primitive(codec.TypeDouble)
	StringType = Primitive(codec.TypeString)
	BinaryType = Primitive(codec.TypeBinary)
)

func (t Primitive) WireType() codec.Type { return codec.Type(t) }

func (t Primitive) Write(p *codec.BinaryProtocol, v Value) error {
	switch codec.Type(t) {
	case codec.TypeBool:
		if x, ok := v.(Bool); ok {
			return p.WriteBool(bool(x))
		}
	case codec.TypeByte:
		if x, ok := v.(Byte); ok {
			return p.WriteI8(int8(x))
		}
	case codec.TypeI16:
		if x, ok := v.(I16); ok {
			return p.WriteI16(int16(x))
		}
	case codec.TypeI32:
		if x, ok := v.(I32); ok {
			return p.WriteI32(int32(x))
		}
	case codec.TypeI64:
		if x, ok := v.(I64); ok {
			return p.WriteI64(int64(x))
		}
	case codec.TypeDouble:
		if x, ok := v.(Double); ok {
			return p.WriteDouble(float64(x))
		}
	case codec.TypeString:
		switch x := v.(type) {
		case String:
			return p.WriteString(string(x))
		case Binary:
			return p.WriteBinary(x)
		}
	case codec.TypeBinary:
		switch x := v.(type) {
		case Binary:
			return p.WriteBinary(x)
		case String:
			return p.WriteString(string(x))
		}
	default:
		return errors.Wrapf(codec.ErrInvalidWireType, "%s is not a primitive", codec.Type(t))
	}
	return errors.Wrapf(ErrValueMismatch, "%T for %s", v, codec.Type(t))
}

func (t Primitive) Read(p *codec.BinaryProtocol) (Value, error) {
	switch codec.Type(t) {
	case codec.TypeBool:
		v, err := p.ReadBool()
		return Bool(v), err
	case codec.TypeByte:
		v, err := p.ReadI8()
		return Byte(v), err
	case codec.TypeI16:
		v, err := p.ReadI16()
		return I16(v), err
	case codec.TypeI32:
		v, err := p.ReadI32()
		return I32(v), err
	case codec.TypeI64:
		v, err := p.ReadI64()
		return I64(v), err
	case codec.TypeDouble:
		v, err := p.ReadDouble()
		return Double(v), err
	case codec.TypeString:
		v, err := p.ReadString()
		return String(v), err
	case codec.TypeBinary:
		v, err := p.ReadBinary()
		return Binary(v), err
	}
	return nil, errors.Wrapf(codec.ErrInvalidWireType, "%s is not a primitive", codec.Type(t))
}

// Field declares one struct member.
type Field struct {
	ID      int16
	Name    string
	Type    Type
	Default Value
}

// NewField is shorthand for a field without a default.
func NewField(id int16, name string, t Type) *Field {
	return &Field{ID: id, Name: name, Type: t}
}

// StructType describes a struct or an exception. Fields are kept in
// ascending id order.
type StructType struct {
	Name      string
	exception bool
	fields    []*Field
	byID      map[int16]*Field
	byName    map[string]*Field
}

// NewStruct builds a struct descriptor. Duplicate ids or names panic:
// descriptors are static definitions.
func NewStruct(name string, fields ...*Field) *StructType {
	t := &StructType{
		Name:   name,
		fields: make([]*Field, 0, len(fields)),
		byID:   make(map[int16]*Field, len(fields)),
		byName: make(map[string]*Field, len(fields)),
	}
	for _, f := range fields {
		if f.Type == nil {
			panic(fmt.Sprintf("schema: %s.%s has no type", name, f.Name))
		}
		if _, dup := t.byID[f.ID]; dup {
			panic(fmt.Sprintf("schema: %s declares field id %d twice", name, f.ID))
		}
		if _, dup := t.byName[f.Name]; dup {
			panic(fmt.Sprintf("schema: %s declares field %q twice", name, f.Name))
		}
		t.byID[f.ID] = f
		t.byName[f.Name] = f
		t.fields = append(t.fields, f)
	}
	sort.Slice(t.fields, func(i, j int) bool { return t.fields[i].ID < t.fields[j].ID })
	return t
}

// NewException builds a descriptor that reads and writes like a struct but is
// raised as an error when it shows up in an RPC result.
func NewException(name string, fields ...*Field) *StructType {
	t := NewStruct(name, fields...)
	t.exception = true
	return t
}

func (t *StructType) IsException() bool { return t.exception }

// Fields returns the fields in ascending id order. The slice must not be
// modified.
func (t *StructType) Fields() []*Field { return t.fields }

func (t *StructType) FieldByID(id int16) *Field { return t.byID[id] }

func (t *StructType) FieldByName(name string) *Field { return t.byName[name] }

// New returns a value with every declared default applied.
func (t *StructType) New() *Struct {
	s := &Struct{Type: t, Fields: make(map[int16]Value, len(t.fields))}
	for _, f := range t.fields {
		if f.Default != nil {
			s.Fields[f.ID] = f.Default
		}
	}
	return s
}

// Make builds a value from name/value pairs, skipping nil values.
func (t *StructType) Make(values map[string]Value) (*Struct, error) {
	s := t.New()
	for name, v := range values {
		if err := s.Set(name, v); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (t *StructType) WireType() codec.Type { return codec.TypeStruct }

// Write emits present fields in ascending id order followed by the stop
// marker. Absent fields are omitted.
func (t *StructType) Write(p *codec.BinaryProtocol, v Value) error {
	s, ok := v.(*Struct)
	if !ok || s == nil {
		return errors.Wrapf(ErrValueMismatch, "%T for struct %s", v, t.Name)
	}
	if err := p.WriteStructBegin(t.Name); err != nil {
		return err
	}
	for _, f := range t.fields {
		fv, present := s.Fields[f.ID]
		if !present || fv == nil {
			continue
		}
		if err := p.WriteFieldBegin(f.Type.WireType(), f.ID); err != nil {
			return err
		}
		if err := f.Type.Write(p, fv); err != nil {
			return errors.Wrapf(err, "%s.%s", t.Name, f.Name)
		}
		if err := p.WriteFieldEnd(); err != nil {
			return err
		}
	}
	if err := p.WriteFieldStop(); err != nil {
		return err
	}
	return p.WriteStructEnd()
}

// Read decodes fields until the stop marker. Known ids whose wire type
// matches the declaration are decoded; anything else is skipped using the
// type found on the wire.
func (t *StructType) Read(p *codec.BinaryProtocol) (Value, error) {
	s := t.New()
	if err := p.ReadStructBegin(); err != nil {
		return nil, err
	}
	for {
		ft, id, err := p.ReadFieldBegin()
		if err != nil {
			return nil, err
		}
		if ft == codec.TypeStop {
			break
		}
		f := t.byID[id]
		if f != nil && codec.Equal(ft, f.Type.WireType()) {
			fv, err := f.Type.Read(p)
			if err != nil {
				return nil, errors.Wrapf(err, "%s.%s", t.Name, f.Name)
			}
			s.Fields[id] = fv
		} else if err := p.Skip(ft); err != nil {
			return nil, err
		}
		if err := p.ReadFieldEnd(); err != nil {
			return nil, err
		}
	}
	if err := p.ReadStructEnd(); err != nil {
		return nil, err
	}
	return s, nil
}

// ListType describes list<Elem>.
type ListType struct {
	Elem Type
}

func ListOf(elem Type) *ListType { return &ListType{Elem: elem} }

func (t *ListType) WireType() codec.Type { return codec.TypeList }

func (t *ListType) Write(p *codec.BinaryProtocol, v Value) error {
	l, ok := v.(List)
	if !ok {
		return errors.Wrapf(ErrValueMismatch, "%T for list", v)
	}
	if err := p.WriteListBegin(t.Elem.WireType(), len(l)); err != nil {
		return err
	}
	if err := writeElems(p, t.Elem, l); err != nil {
		return err
	}
	return p.WriteListEnd()
}

func (t *ListType) Read(p *codec.BinaryProtocol) (Value, error) {
	et, size, err := p.ReadListBegin()
	if err != nil {
		return nil, err
	}
	elems, err := readElems(p, t.Elem, et, size)
	if err != nil {
		return nil, err
	}
	return List(elems), p.ReadListEnd()
}

// SetType describes set<Elem>. Elements keep wire order.
type SetType struct {
	Elem Type
}

func SetOf(elem Type) *SetType { return &SetType{Elem: elem} }

func (t *SetType) WireType() codec.Type { return codec.TypeSet }

func (t *SetType) Write(p *codec.BinaryProtocol, v Value) error {
	s, ok := v.(Set)
	if !ok {
		return errors.Wrapf(ErrValueMismatch, "%T for set", v)
	}
	if err := p.WriteSetBegin(t.Elem.WireType(), len(s)); err != nil {
		return err
	}
	if err := writeElems(p, t.Elem, s); err != nil {
		return err
	}
	return p.WriteSetEnd()
}

func (t *SetType) Read(p *codec.BinaryProtocol) (Value, error) {
	et, size, err := p.ReadSetBegin()
	if err != nil {
		return nil, err
	}
	elems, err := readElems(p, t.Elem, et, size)
	if err != nil {
		return nil, err
	}
	return Set(elems), p.ReadSetEnd()
}

func writeElems(p *codec.BinaryProtocol, elem Type, vs []Value) error {
	for i, v := range vs {
		if err := elem.Write(p, v); err != nil {
			return errors.Wrapf(err, "element %d", i)
		}
	}
	return nil
}

func readElems(p *codec.BinaryProtocol, elem Type, wire codec.Type, size int) ([]Value, error) {
	if size > 0 && !codec.Equal(wire, elem.WireType()) {
		return nil, errors.Wrapf(ErrElementType, "got %s, want %s", wire, elem.WireType())
	}
	out := make([]Value, 0, capHint(size))
	for i := 0; i < size; i++ {
		v, err := elem.Read(p)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		out = append(out, v)
	}
	return out, nil
}

// MapType describes map<Key, Value>. Keys must be scalar.
type MapType struct {
	Key   Type
	Value Type
}

// MapOf panics when key is not a comparable scalar type.
func MapOf(key, value Type) *MapType {
	if !comparableType(key.WireType()) {
		panic(fmt.Sprintf("schema: %s cannot be a map key", key.WireType()))
	}
	return &MapType{Key: key, Value: value}
}

func (t *MapType) WireType() codec.Type { return codec.TypeMap }

func (t *MapType) Write(p *codec.BinaryProtocol, v Value) error {
	m, ok := v.(Map)
	if !ok {
		return errors.Wrapf(ErrValueMismatch, "%T for map", v)
	}
	if err := p.WriteMapBegin(t.Key.WireType(), t.Value.WireType(), len(m)); err != nil {
		return err
	}
	for _, k := range sortedKeys(m) {
		if err := t.Key.Write(p, k); err != nil {
			return errors.Wrap(err, "map key")
		}
		if err := t.Value.Write(p, m[k]); err != nil {
			return errors.Wrapf(err, "map value for %v", k)
		}
	}
	return p.WriteMapEnd()
}

func (t *MapType) Read(p *codec.BinaryProtocol) (Value, error) {
	kt, vt, size, err := p.ReadMapBegin()
	if err != nil {
		return nil, err
	}
	if size > 0 && (!codec.Equal(kt, t.Key.WireType()) || !codec.Equal(vt, t.Value.WireType())) {
		return nil, errors.Wrapf(ErrElementType, "got map<%s,%s>, want map<%s,%s>",
			kt, vt, t.Key.WireType(), t.Value.WireType())
	}
	m := make(Map, capHint(size))
	for i := 0; i < size; i++ {
		k, err := t.Key.Read(p)
		if err != nil {
			return nil, errors.Wrap(err, "map key")
		}
		v, err := t.Value.Read(p)
		if err != nil {
			return nil, errors.Wrapf(err, "map value for %v", k)
		}
		m[k] = v
	}
	return m, p.ReadMapEnd()
}

// capHint bounds preallocation so a hostile size cannot force a huge
// allocation before the elements are actually read.
func capHint(size int) int {
	if size > 1024 {
		return 1024
	}
	return size
}
