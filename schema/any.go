package schema

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"binrpc/codec"
)

// ReadAny decodes a value of wire type t without a descriptor. Structs come
// back untyped with their numeric field ids, strings are decoded as String.
func ReadAny(p *codec.BinaryProtocol, t codec.Type) (Value, error) {
	return readAny(p, t, 0)
}

func readAny(p *codec.BinaryProtocol, t codec.Type, depth int) (Value, error) {
	if depth > codec.MaxDepth {
		return nil, errors.Wrapf(codec.ErrDepthLimit, "reading %s", t)
	}
	switch t {
	case codec.TypeBool, codec.TypeByte, codec.TypeI16, codec.TypeI32, codec.TypeI64,
		codec.TypeDouble, codec.TypeString, codec.TypeBinary:
		return Primitive(t.Serialized()).Read(p)
	case codec.TypeStruct:
		s := &Struct{Fields: make(map[int16]Value)}
		for {
			ft, id, err := p.ReadFieldBegin()
			if err != nil {
				return nil, err
			}
			if ft == codec.TypeStop {
				return s, nil
			}
			v, err := readAny(p, ft, depth+1)
			if err != nil {
				return nil, errors.Wrapf(err, "field %d", id)
			}
			s.Fields[id] = v
		}
	case codec.TypeList, codec.TypeSet:
		et, size, err := p.ReadListBegin()
		if err != nil {
			return nil, err
		}
		elems := make([]Value, 0, capHint(size))
		for i := 0; i < size; i++ {
			v, err := readAny(p, et, depth+1)
			if err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
			elems = append(elems, v)
		}
		if t == codec.TypeSet {
			return Set(elems), nil
		}
		return List(elems), nil
	case codec.TypeMap:
		kt, vt, size, err := p.ReadMapBegin()
		if err != nil {
			return nil, err
		}
		if size > 0 && !comparableType(kt.Serialized()) {
			return nil, errors.Wrapf(codec.ErrInvalidWireType, "%s cannot be a map key", kt)
		}
		m := make(Map, capHint(size))
		for i := 0; i < size; i++ {
			k, err := readAny(p, kt, depth+1)
			if err != nil {
				return nil, errors.Wrap(err, "map key")
			}
			v, err := readAny(p, vt, depth+1)
			if err != nil {
				return nil, errors.Wrapf(err, "map value for %v", k)
			}
			m[k] = v
		}
		return m, nil
	}
	return nil, errors.Wrapf(codec.ErrInvalidWireType, "cannot read %s", t)
}

// Plain converts v into ordinary Go data (maps, slices, scalars) suitable for
// JSON or YAML rendering. Struct fields are keyed by name when the struct is
// typed and by id otherwise.
func Plain(v Value) any {
	switch x := v.(type) {
	case nil:
		return nil
	case Bool:
		return bool(x)
	case Byte:
		return int8(x)
	case I16:
		return int16(x)
	case I32:
		return int32(x)
	case I64:
		return int64(x)
	case Double:
		return float64(x)
	case String:
		return string(x)
	case Binary:
		return []byte(x)
	case List:
		return plainSlice(x)
	case Set:
		return plainSlice(x)
	case Map:
		out := make(map[string]any, len(x))
		for _, k := range sortedKeys(x) {
			out[fmt.Sprint(Plain(k))] = Plain(x[k])
		}
		return out
	case *Struct:
		out := make(map[string]any, len(x.Fields))
		for id, fv := range x.Fields {
			key := strconv.Itoa(int(id))
			if x.Type != nil {
				if f := x.Type.FieldByID(id); f != nil {
					key = f.Name
				}
			}
			out[key] = Plain(fv)
		}
		return out
	}
	return fmt.Sprintf("%v", v)
}

func plainSlice(vs []Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = Plain(v)
	}
	return out
}
