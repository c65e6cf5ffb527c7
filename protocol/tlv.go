// Protocol format is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol frames sync packets on a byte stream and moves them over
TCP/TLS connections.

# TLV Record Format

A record is a type letter, a length and a body. Three header sizes exist:

 1. Tiny (1 byte) for bodies of 0-9 bytes: ['0' + body_length].
    The type is lost, so it is only used inside a typed envelope.
 2. Short (2 bytes) for bodies up to 255 bytes: [lowercase_type, body_length].
 3. Long (5 bytes) for bodies up to 2GB: [uppercase_type, uint32 LE length].

Record types are the letters A-Z. Sync payloads use 'I' (init) and 'U'
(update) inside the owner packet; the stream carries owner packets and
watch requests as records of their own.

All Take functions treat their input as untrusted. RecordReader cuts
whole records off a connection.
*/
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const CaseBit uint8 = 'a' - 'A'

// MaxRecord bounds the body of a record read off the network.
const MaxRecord = 1 << 24

var (
	ErrAddressInvalid    = errors.New("protocol: the address is invalid")
	ErrAddressDuplicated = errors.New("protocol: the address is already used")
	ErrAddressUnknown    = errors.New("protocol: address unknown")

	ErrIncomplete = errors.New("protocol: incomplete record")
	ErrBadRecord  = errors.New("protocol: bad TLV record")
	ErrOversized  = errors.New("protocol: record exceeds the size limit")
)

// header of a record; lit is 0 for tiny records
type header struct {
	lit     byte
	hdrlen  int
	bodylen int
}

func (h header) total() int {
	return h.hdrlen + h.bodylen
}

// probe reads a header. ErrIncomplete means more bytes are needed.
func probe(data []byte) (h header, err error) {
	if len(data) == 0 {
		return h, ErrIncomplete
	}
	b := data[0]
	switch {
	case b >= '0' && b <= '9':
		return header{hdrlen: 1, bodylen: int(b - '0')}, nil
	case b >= 'a' && b <= 'z':
		if len(data) < 2 {
			return h, ErrIncomplete
		}
		return header{lit: b - CaseBit, hdrlen: 2, bodylen: int(data[1])}, nil
	case b >= 'A' && b <= 'Z':
		if len(data) < 5 {
			return h, ErrIncomplete
		}
		l := binary.LittleEndian.Uint32(data[1:5])
		if l > 0x7fffffff {
			return h, fmt.Errorf("%w: length %d", ErrBadRecord, l)
		}
		return header{lit: b, hdrlen: 5, bodylen: int(l)}, nil
	}
	return h, fmt.Errorf("%w: leading byte %#x", ErrBadRecord, b)
}

// AppendHeader appends a record header. A lowercase lit allows the tiny
// form for bodies under 10 bytes.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	upper := lit &^ CaseBit
	if upper < 'A' || upper > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && lit&CaseBit != 0:
		return append(into, byte('0'+bodylen))
	case bodylen <= 0xff:
		return append(into, upper|CaseBit, byte(bodylen))
	case bodylen <= 0x7fffffff:
		into = append(into, upper)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
	panic("oversized TLV record")
}

// Append appends a record made of the concatenated body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	total := 0
	for _, b := range body {
		total += len(b)
	}
	into = AppendHeader(into, lit, total)
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record is a freshly allocated record.
func Record(lit byte, body ...[]byte) []byte {
	size := 5
	for _, b := range body {
		size += len(b)
	}
	return Append(make([]byte, 0, size), lit, body...)
}

// TakeWary takes a record of the given type, or a tiny one.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	h, err := probe(data)
	if err != nil {
		return nil, data, err
	}
	if h.total() > len(data) {
		return nil, data, ErrIncomplete
	}
	if h.lit != lit && h.lit != 0 {
		return nil, data, fmt.Errorf("%w: want %c, have %c", ErrBadRecord, lit, h.lit)
	}
	return data[h.hdrlen:h.total()], data[h.total():], nil
}

// TakeAnyWary takes a typed record. Tiny records have no type and fail.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	h, err := probe(data)
	if err != nil {
		return 0, nil, data, err
	}
	if h.lit == 0 {
		return 0, nil, data, fmt.Errorf("%w: untyped record", ErrBadRecord)
	}
	if h.total() > len(data) {
		return 0, nil, data, ErrIncomplete
	}
	return h.lit, data[h.hdrlen:h.total()], data[h.total():], nil
}

// RecordReader reads whole records off a stream.
type RecordReader struct {
	r   *bufio.Reader
	max int
}

func NewRecordReader(r io.Reader, max int) *RecordReader {
	if max <= 0 {
		max = MaxRecord
	}
	return &RecordReader{r: bufio.NewReaderSize(r, TYPICAL_MTU*4), max: max}
}

// Next returns one record, header included. The slice is not reused.
func (rr *RecordReader) Next() ([]byte, error) {
	hdr, err := rr.r.Peek(1)
	if err != nil {
		return nil, err
	}
	need := 1
	switch {
	case hdr[0] >= 'a' && hdr[0] <= 'z':
		need = 2
	case hdr[0] >= 'A' && hdr[0] <= 'Z':
		need = 5
	}
	if hdr, err = rr.r.Peek(need); err != nil {
		return nil, noEOF(err)
	}
	h, err := probe(hdr)
	if err != nil {
		return nil, err
	}
	if h.bodylen > rr.max {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversized, h.bodylen)
	}
	rec := make([]byte, h.total())
	if _, err = io.ReadFull(rr.r, rec); err != nil {
		return nil, noEOF(err)
	}
	return rec, nil
}

// Buffered tells whether more bytes have already arrived.
func (rr *RecordReader) Buffered() bool {
	return rr.r.Buffered() > 0
}

// an EOF inside a record is a broken stream
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
