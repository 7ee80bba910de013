package sqlstash

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// colClass is the storage affinity class a Go type maps to.
type colClass int

const (
	classInteger colClass = iota
	classReal
	classText
	classBytes
	classFixed
)

// colCodec maps values of one static type to and from SQLite column cells.
//
// Classification happens once, at store construction: integer kinds (bool
// included) map to INTEGER, floats to REAL, strings to TEXT, byte slices to
// BLOB, and any other fixed-layout type to BLOB via its encoding/binary
// little-endian byte image. Types with no fixed encoded size (pointers,
// maps, slices of non-bytes, structs with variable-size fields) are rejected.
type colCodec[T any] struct {
	class colClass
	size  int // encoded byte length, classFixed only
}

func newColCodec[T any]() (colCodec[T], error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return colCodec[T]{}, fmt.Errorf("column type must not be an interface type")
	}
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return colCodec[T]{class: classInteger}, nil
	case reflect.Float32, reflect.Float64:
		return colCodec[T]{class: classReal}, nil
	case reflect.String:
		return colCodec[T]{class: classText}, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return colCodec[T]{class: classBytes}, nil
		}
		return colCodec[T]{}, fmt.Errorf("slice type %s is not a supported column type", t)
	default:
		n := binary.Size(zero)
		if n < 0 {
			return colCodec[T]{}, fmt.Errorf("type %s has no fixed binary layout and cannot be a column type", t)
		}
		return colCodec[T]{class: classFixed, size: n}, nil
	}
}

// affinity returns the column type declared in CREATE TABLE statements.
func (c colCodec[T]) affinity() string {
	switch c.class {
	case classInteger:
		return "INTEGER"
	case classReal:
		return "REAL"
	case classText:
		return "TEXT"
	default:
		return "BLOB"
	}
}

// encode converts v into a value bindable as a statement parameter.
func (c colCodec[T]) encode(v T) (any, error) {
	rv := reflect.ValueOf(v)
	switch c.class {
	case classInteger:
		if rv.Kind() == reflect.Bool {
			if rv.Bool() {
				return int64(1), nil
			}
			return int64(0), nil
		}
		if rv.CanInt() {
			return rv.Int(), nil
		}
		return int64(rv.Uint()), nil
	case classReal:
		return rv.Float(), nil
	case classText:
		return rv.String(), nil
	case classBytes:
		// A nil slice binds as an empty blob, not NULL; columns are NOT NULL.
		if rv.IsNil() {
			return []byte{}, nil
		}
		return append([]byte(nil), rv.Bytes()...), nil
	default:
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
		return buf.Bytes(), nil
	}
}

// decode converts a scanned column cell back into a T.
func (c colCodec[T]) decode(src any) (T, error) {
	var out T
	rv := reflect.ValueOf(&out).Elem()
	switch c.class {
	case classInteger:
		n, ok := cellInt64(src)
		if !ok {
			return out, fmt.Errorf("decode %T: cell %T is not an integer", out, src)
		}
		switch {
		case rv.Kind() == reflect.Bool:
			rv.SetBool(n != 0)
		case rv.CanInt():
			rv.SetInt(n)
		default:
			rv.SetUint(uint64(n))
		}
	case classReal:
		f, ok := cellFloat64(src)
		if !ok {
			return out, fmt.Errorf("decode %T: cell %T is not a float", out, src)
		}
		rv.SetFloat(f)
	case classText:
		s, ok := cellString(src)
		if !ok {
			return out, fmt.Errorf("decode %T: cell %T is not text", out, src)
		}
		rv.SetString(s)
	case classBytes:
		b, ok := cellBytes(src)
		if !ok {
			return out, fmt.Errorf("decode %T: cell %T is not a blob", out, src)
		}
		rv.SetBytes(append([]byte(nil), b...))
	default:
		b, ok := cellBytes(src)
		if !ok {
			return out, fmt.Errorf("decode %T: cell %T is not a blob", out, src)
		}
		if len(b) != c.size {
			return out, fmt.Errorf("decode %T: %w (stored %d bytes, type encodes to %d)",
				out, ErrSizeMismatch, len(b), c.size)
		}
		if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &out); err != nil {
			return out, fmt.Errorf("decode %T: %w", out, err)
		}
	}
	return out, nil
}

// identity returns a canonical string identity for v, used to count value
// repetitions during multi-value reconciliation. Fixed-layout types compare
// by their encoded byte image; floats compare by IEEE-754 bit pattern, so
// values with the same NaN bits collapse into one identity.
func (c colCodec[T]) identity(v T) (string, error) {
	cell, err := c.encode(v)
	if err != nil {
		return "", err
	}
	switch cell := cell.(type) {
	case int64:
		return strconv.FormatInt(cell, 10), nil
	case float64:
		return strconv.FormatUint(math.Float64bits(cell), 16), nil
	case string:
		return cell, nil
	case []byte:
		return string(cell), nil
	}
	return "", fmt.Errorf("identity: unexpected cell type %T", cell)
}

// Cell conversions. database/sql hands back int64, float64, string or []byte
// depending on the stored affinity; accept the adjacent representations the
// driver may produce.

func cellInt64(src any) (int64, bool) {
	switch v := src.(type) {
	case int64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func cellFloat64(src any) (float64, bool) {
	switch v := src.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func cellString(src any) (string, bool) {
	switch v := src.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

func cellBytes(src any) ([]byte, bool) {
	switch v := src.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}
