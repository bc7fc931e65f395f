// Package field implements the typed, keyed values used to populate probe
// headers.
package field

import (
	"errors"
	"fmt"
	"io"
)

// Type is the data type carried by a Field.
type Type uint8

const (
	TypeInt4 Type = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeString
)

func (t Type) String() string {
	switch t {
	case TypeInt4:
		return "int4"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeString:
		return "string"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

var (
	ErrTypeMismatch = errors.New("field type mismatch")
	ErrUnknownType  = errors.New("unknown field type")
)

// Field is a value identified by a key. The value is stored in the
// representation selected by the field's type and is never reinterpreted.
type Field struct {
	key string
	typ Type
	num uint32
	str []byte
}

// I4 creates a 4-bit integer field. Only the low nibble of value is kept.
func I4(key string, value uint8) *Field {
	return &Field{key: key, typ: TypeInt4, num: uint32(value & 0x0f)}
}

// I8 creates an 8-bit integer field.
func I8(key string, value uint8) *Field {
	return &Field{key: key, typ: TypeInt8, num: uint32(value)}
}

// I16 creates a 16-bit integer field.
func I16(key string, value uint16) *Field {
	return &Field{key: key, typ: TypeInt16, num: uint32(value)}
}

// I32 creates a 32-bit integer field.
func I32(key string, value uint32) *Field {
	return &Field{key: key, typ: TypeInt32, num: value}
}

// Str creates a string field. The field keeps its own copy of value.
func Str(key string, value string) *Field {
	return &Field{key: key, typ: TypeString, str: []byte(value)}
}

// Bytes creates a string field from raw bytes, copying them.
func Bytes(key string, value []byte) *Field {
	return &Field{key: key, typ: TypeString, str: append([]byte(nil), value...)}
}

// New creates a field of the given type. value must be an integer type for the
// integer field types and a string or []byte for TypeString.
func New(t Type, key string, value any) (*Field, error) {
	if t == TypeString {
		switch v := value.(type) {
		case string:
			return Str(key, v), nil
		case []byte:
			return Bytes(key, v), nil
		}
		return nil, fmt.Errorf("%w: %T for %s field %q", ErrTypeMismatch, value, t, key)
	}

	var n uint64
	switch v := value.(type) {
	case uint8:
		n = uint64(v)
	case uint16:
		n = uint64(v)
	case uint32:
		n = uint64(v)
	case uint:
		n = uint64(v)
	case int:
		if v < 0 {
			return nil, fmt.Errorf("%w: negative value for %s field %q", ErrTypeMismatch, t, key)
		}
		n = uint64(v)
	default:
		return nil, fmt.Errorf("%w: %T for %s field %q", ErrTypeMismatch, value, t, key)
	}

	switch t {
	case TypeInt4:
		if n > 0x0f {
			return nil, fmt.Errorf("%w: %d overflows %s field %q", ErrTypeMismatch, n, t, key)
		}
		return I4(key, uint8(n)), nil
	case TypeInt8:
		if n > 0xff {
			return nil, fmt.Errorf("%w: %d overflows %s field %q", ErrTypeMismatch, n, t, key)
		}
		return I8(key, uint8(n)), nil
	case TypeInt16:
		if n > 0xffff {
			return nil, fmt.Errorf("%w: %d overflows %s field %q", ErrTypeMismatch, n, t, key)
		}
		return I16(key, uint16(n)), nil
	case TypeInt32:
		if n > 0xffffffff {
			return nil, fmt.Errorf("%w: %d overflows %s field %q", ErrTypeMismatch, n, t, key)
		}
		return I32(key, uint32(n)), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
}

func (f *Field) Key() string { return f.key }
func (f *Field) Type() Type  { return f.typ }

// Int4 returns the value of a TypeInt4 field.
func (f *Field) Int4() (uint8, error) {
	if f.typ != TypeInt4 {
		return 0, f.mismatch(TypeInt4)
	}
	return uint8(f.num), nil
}

// Int8 returns the value of a TypeInt8 field.
func (f *Field) Int8() (uint8, error) {
	if f.typ != TypeInt8 {
		return 0, f.mismatch(TypeInt8)
	}
	return uint8(f.num), nil
}

// Int16 returns the value of a TypeInt16 field.
func (f *Field) Int16() (uint16, error) {
	if f.typ != TypeInt16 {
		return 0, f.mismatch(TypeInt16)
	}
	return uint16(f.num), nil
}

// Int32 returns the value of a TypeInt32 field.
func (f *Field) Int32() (uint32, error) {
	if f.typ != TypeInt32 {
		return 0, f.mismatch(TypeInt32)
	}
	return f.num, nil
}

// Text returns the value of a TypeString field.
func (f *Field) Text() (string, error) {
	if f.typ != TypeString {
		return "", f.mismatch(TypeString)
	}
	return string(f.str), nil
}

// Raw returns a copy of the bytes of a TypeString field.
func (f *Field) Raw() ([]byte, error) {
	if f.typ != TypeString {
		return nil, f.mismatch(TypeString)
	}
	return append([]byte(nil), f.str...), nil
}

// Uint returns the value of any integer field widened to 32 bits.
func (f *Field) Uint() (uint32, error) {
	if f.typ == TypeString {
		return 0, fmt.Errorf("%w: %q is a string field", ErrTypeMismatch, f.key)
	}
	return f.num, nil
}

func (f *Field) mismatch(want Type) error {
	return fmt.Errorf("%w: %q is %s, not %s", ErrTypeMismatch, f.key, f.typ, want)
}

// Clone returns a deep copy of f.
func (f *Field) Clone() *Field {
	c := *f
	if f.str != nil {
		c.str = append([]byte(nil), f.str...)
	}
	return &c
}

// TypeSize returns the number of bytes a value of type t occupies on the
// wire. 4-bit values occupy one byte; strings are variable and report 0.
func TypeSize(t Type) int {
	switch t {
	case TypeInt4, TypeInt8:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32:
		return 4
	}
	return 0
}

// Size returns the number of bytes taken by the value of f.
func (f *Field) Size() int {
	if f.typ == TypeString {
		return len(f.str)
	}
	return TypeSize(f.typ)
}

// Dump writes a human readable representation of f to w.
func (f *Field) Dump(w io.Writer) {
	switch f.typ {
	case TypeString:
		fmt.Fprintf(w, "%s = %q\n", f.key, f.str)
	case TypeInt4, TypeInt8:
		fmt.Fprintf(w, "%s = %d (0x%02x)\n", f.key, f.num, f.num)
	case TypeInt16:
		fmt.Fprintf(w, "%s = %d (0x%04x)\n", f.key, f.num, f.num)
	default:
		fmt.Fprintf(w, "%s = %d (0x%08x)\n", f.key, f.num, f.num)
	}
}
