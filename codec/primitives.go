package codec

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
)

// Primitive adapts a pair of typed functions to Codec.
// Equality is == unless EqualFn is set; a T that is not comparable
// needs EqualFn. CloneFn copies values that share memory, like slices.
type Primitive[T any] struct {
	AppendFn func(into []byte, v T) []byte
	TakeFn   func(data []byte) (T, []byte, error)
	ValidFn  func(v T) bool
	EqualFn  func(a, b T) bool
	CloneFn  func(v T) T
}

func (p Primitive[T]) Zero() any {
	var zero T
	return zero
}

func (p Primitive[T]) Append(into []byte, v any) ([]byte, error) {
	t, ok := v.(T)
	if !ok || !p.valid(t) {
		return into, fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
	return p.AppendFn(into, t), nil
}

func (p Primitive[T]) Take(data []byte) (any, []byte, error) {
	v, rest, err := p.TakeFn(data)
	if err != nil {
		return nil, data, err
	}
	return v, rest, nil
}

func (p Primitive[T]) Valid(v any) bool {
	t, ok := v.(T)
	return ok && p.valid(t)
}

func (p Primitive[T]) valid(t T) bool {
	return p.ValidFn == nil || p.ValidFn(t)
}

func (p Primitive[T]) Equal(a, b any) bool {
	ta, oka := a.(T)
	tb, okb := b.(T)
	if !oka || !okb {
		return false
	}
	if p.EqualFn != nil {
		return p.EqualFn(ta, tb)
	}
	return any(ta) == any(tb)
}

func (p Primitive[T]) Clone(v any) any {
	t, ok := v.(T)
	if !ok || p.CloneFn == nil {
		return v
	}
	return p.CloneFn(t)
}

func (p Primitive[T]) hasEqual() bool {
	return p.EqualFn != nil
}

func takeUint64(data []byte) (uint64, []byte, error) {
	zip, rest, err := TakeZipped(data)
	if err != nil {
		return 0, data, err
	}
	return UnzipUint64(zip), rest, nil
}

var Bool = Primitive[bool]{
	AppendFn: func(into []byte, v bool) []byte {
		if v {
			return append(into, 1)
		}
		return append(into, 0)
	},
	TakeFn: func(data []byte) (bool, []byte, error) {
		if len(data) == 0 {
			return false, data, ErrTruncated
		}
		switch data[0] {
		case 0:
			return false, data[1:], nil
		case 1:
			return true, data[1:], nil
		}
		return false, data, fmt.Errorf("%w: bool byte %#x", ErrInvalidValue, data[0])
	},
}

// signed zigzags any signed integer type, values that do not fit T
// are rejected on decode.
func signed[T constraints.Signed]() Primitive[T] {
	return Primitive[T]{
		AppendFn: func(into []byte, v T) []byte {
			return AppendZipped(into, ZipUint64(ZigZagInt64(int64(v))))
		},
		TakeFn: func(data []byte) (T, []byte, error) {
			u, rest, err := takeUint64(data)
			if err != nil {
				return 0, data, err
			}
			i := ZagZigUint64(u)
			if int64(T(i)) != i {
				return 0, data, fmt.Errorf("%w: %d overflows %T", ErrInvalidValue, i, T(0))
			}
			return T(i), rest, nil
		},
	}
}

var Int = signed[int]()

var Int64 = signed[int64]()

var Uint64 = Primitive[uint64]{
	AppendFn: func(into []byte, v uint64) []byte {
		return AppendZipped(into, ZipUint64(v))
	},
	TakeFn: takeUint64,
}

// Float64 compares bit patterns, so NaN equals itself and a NaN
// field does not turn dirty on every write.
var Float64 = Primitive[float64]{
	AppendFn: func(into []byte, v float64) []byte {
		return AppendZipped(into, ZipFloat64(v))
	},
	TakeFn: func(data []byte) (float64, []byte, error) {
		zip, rest, err := TakeZipped(data)
		if err != nil {
			return 0, data, err
		}
		return UnzipFloat64(zip), rest, nil
	},
	EqualFn: func(a, b float64) bool {
		return math.Float64bits(a) == math.Float64bits(b)
	},
}

var String = Primitive[string]{
	AppendFn: func(into []byte, v string) []byte {
		return AppendBlob(into, []byte(v))
	},
	TakeFn: func(data []byte) (string, []byte, error) {
		blob, rest, err := TakeBlob(data)
		if err != nil {
			return "", data, err
		}
		if !utf8.Valid(blob) {
			return "", data, fmt.Errorf("%w: string is not UTF-8", ErrInvalidValue)
		}
		return string(blob), rest, nil
	},
	ValidFn: utf8.ValidString,
}

// Bytes decodes into a copy, values never alias the packet buffer
// or the caller's slice.
var Bytes = Primitive[[]byte]{
	AppendFn: AppendBlob,
	TakeFn: func(data []byte) ([]byte, []byte, error) {
		blob, rest, err := TakeBlob(data)
		if err != nil {
			return nil, data, err
		}
		return bytes.Clone(blob), rest, nil
	},
	EqualFn: bytes.Equal,
	CloneFn: bytes.Clone,
}
