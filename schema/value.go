// Package schema describes the shape of structs, lists, sets, maps and
// exceptions so that any value can be read and written generically, without
// per-type generated code.
//
// Decoding produces a closed set of Value variants:
//
//	Bool Byte I16 I32 I64 Double String Binary *Struct List Set Map
//
// A struct field that is absent on the wire is simply missing from the
// Struct; there is no null representation.
package schema

import (
	"fmt"
	"sort"

	"binrpc/codec"
)

// Value is one decoded wire value.
type Value interface {
	isValue()
}

type (
	Bool   bool
	Byte   int8
	I16    int16
	I32    int32
	I64    int64
	Double float64
	String string
	Binary []byte
	List   []Value
	Set    []Value
	Map    map[Value]Value
)

func (Bool) isValue()    {}
func (Byte) isValue()    {}
func (I16) isValue()     {}
func (I32) isValue()     {}
func (I64) isValue()     {}
func (Double) isValue()  {}
func (String) isValue()  {}
func (Binary) isValue()  {}
func (List) isValue()    {}
func (Set) isValue()     {}
func (Map) isValue()     {}
func (*Struct) isValue() {}

// Struct holds the present fields of a struct or exception by id.
// Type is nil for structs decoded without a schema.
type Struct struct {
	Type   *StructType
	Fields map[int16]Value
}

// Field returns the value stored under id.
func (s *Struct) Field(id int16) (Value, bool) {
	v, ok := s.Fields[id]
	return v, ok
}

// Has reports whether field id is present.
func (s *Struct) Has(id int16) bool {
	_, ok := s.Fields[id]
	return ok
}

// SetField stores v under id. A nil v removes the field.
func (s *Struct) SetField(id int16, v Value) {
	if v == nil {
		delete(s.Fields, id)
		return
	}
	if s.Fields == nil {
		s.Fields = make(map[int16]Value)
	}
	s.Fields[id] = v
}

// Get returns the field named name, or nil when it is absent or unknown.
func (s *Struct) Get(name string) Value {
	if s.Type == nil {
		return nil
	}
	f := s.Type.FieldByName(name)
	if f == nil {
		return nil
	}
	return s.Fields[f.ID]
}

// Set stores v in the field named name.
func (s *Struct) Set(name string, v Value) error {
	if s.Type == nil {
		return fmt.Errorf("schema: cannot set %q on an untyped struct", name)
	}
	f := s.Type.FieldByName(name)
	if f == nil {
		return fmt.Errorf("schema: %s has no field %q", s.Type.Name, name)
	}
	s.SetField(f.ID, v)
	return nil
}

// Values returns the declared fields in id order, nil for absent ones.
func (s *Struct) Values() []Value {
	if s.Type == nil {
		ids := s.ids()
		out := make([]Value, len(ids))
		for i, id := range ids {
			out[i] = s.Fields[id]
		}
		return out
	}
	out := make([]Value, len(s.Type.fields))
	for i, f := range s.Type.fields {
		out[i] = s.Fields[f.ID]
	}
	return out
}

func (s *Struct) ids() []int16 {
	ids := make([]int16, 0, len(s.Fields))
	for id := range s.Fields {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Comparable reports whether v may be used as a Map key.
func Comparable(v Value) bool {
	switch v.(type) {
	case Bool, Byte, I16, I32, I64, Double, String:
		return true
	}
	return false
}

func comparableType(t codec.Type) bool {
	switch t {
	case codec.TypeBool, codec.TypeByte, codec.TypeI16, codec.TypeI32, codec.TypeI64,
		codec.TypeDouble, codec.TypeString:
		return true
	}
	return false
}

// sortedKeys orders map keys so that encoding is deterministic.
func sortedKeys(m Map) []Value {
	keys := make([]Value, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys
}

func lessKey(a, b Value) bool {
	switch x := a.(type) {
	case Bool:
		if y, ok := b.(Bool); ok {
			return !bool(x) && bool(y)
		}
	case Byte:
		if y, ok := b.(Byte); ok {
			return x < y
		}
	case I16:
		if y, ok := b.(I16); ok {
			return x < y
		}
	case I32:
		if y, ok := b.(I32); ok {
			return x < y
		}
	case I64:
		if y, ok := b.(I64); ok {
			return x < y
		}
	case Double:
		if y, ok := b.(Double); ok {
			return x < y
		}
	case String:
		if y, ok := b.(String); ok {
			return x < y
		}
	}
	return fmt.Sprintf("%T", a) < fmt.Sprintf("%T", b)
}
