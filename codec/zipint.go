package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"

	"github.com/multiformats/go-varint"
)

var ErrTruncated = errors.New("codec: truncated value")
var ErrOverlong = errors.New("codec: zipped value longer than 8 bytes")

// ZipUint64 packs uint64 into a shortest possible byte string
func ZipUint64(v uint64) []byte {
	buf := [8]byte{}
	i := 0
	for v > 0 {
		buf[i] = uint8(v)
		v >>= 8
		i++
	}
	return buf[0:i]
}

func UnzipUint64(zip []byte) (v uint64) {
	for i := len(zip) - 1; i >= 0; i-- {
		v <<= 8
		v |= uint64(zip[i])
	}
	return
}

func ZigZagInt64(i int64) uint64 {
	return uint64(i*2) ^ uint64(i>>63)
}

func ZagZigUint64(u uint64) int64 {
	half := u >> 1
	mask := -(u & 1)
	return int64(half ^ mask)
}

// ZipFloat64 reverses the bits first so that "round" floats,
// which have zero low mantissa bits, zip short.
func ZipFloat64(f float64) []byte {
	fb := math.Float64bits(f)
	b := bits.Reverse64(fb)
	return ZipUint64(b)
}

func UnzipFloat64(zip []byte) float64 {
	b := UnzipUint64(zip)
	return math.Float64frombits(bits.Reverse64(b))
}

// AppendZipped writes a one-byte length followed by the zipped bytes.
func AppendZipped(into, zip []byte) []byte {
	into = append(into, byte(len(zip)))
	return append(into, zip...)
}

func TakeZipped(data []byte) (zip, rest []byte, err error) {
	if len(data) == 0 {
		return nil, data, ErrTruncated
	}
	l := int(data[0])
	if l > 8 {
		return nil, data, ErrOverlong
	}
	if len(data) < 1+l {
		return nil, data, ErrTruncated
	}
	return data[1 : 1+l], data[1+l:], nil
}

// AppendUvarint writes a minimal unsigned varint. Values of 64 bits take
// ten bytes.
func AppendUvarint(into []byte, v uint64) []byte {
	return append(into, varint.ToUvarint(v)...)
}

// TakeUvarint reads a minimal unsigned varint of up to 64 bits.
func TakeUvarint(data []byte) (v uint64, rest []byte, err error) {
	v, n, err := varint.FromUvarint(data)
	if errors.Is(err, varint.ErrOverflow) {
		v, n, err = takeWideUvarint(data)
	}
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			err = ErrTruncated
		}
		return 0, data, err
	}
	return v, data[n:], nil
}

// go-varint stops at 63 bits; the top bit needs a tenth byte, which
// can only be 1.
func takeWideUvarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	switch {
	case n == 0:
		return 0, 0, ErrTruncated
	case n < 0:
		return 0, 0, varint.ErrOverflow
	case data[n-1] == 0:
		return 0, 0, varint.ErrNotMinimal
	}
	return v, n, nil
}

// AppendBlob writes a varint length followed by the bytes.
func AppendBlob(into, blob []byte) []byte {
	into = AppendUvarint(into, uint64(len(blob)))
	return append(into, blob...)
}

func TakeBlob(data []byte) (blob, rest []byte, err error) {
	l, rest, err := TakeUvarint(data)
	if err != nil {
		return nil, data, err
	}
	if uint64(len(rest)) < l {
		return nil, data, ErrTruncated
	}
	return rest[:l], rest[l:], nil
}
