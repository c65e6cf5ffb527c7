package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8(67), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestTakeAnyWaryErrors(t *testing.T) {
	_, _, _, err := TakeAnyWary(nil)
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, _, err = TakeAnyWary([]byte{'u', 5, 1})
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, _, err = TakeAnyWary([]byte{0xff, 1})
	assert.ErrorIs(t, err, ErrBadRecord)

	_, _, _, err = TakeAnyWary([]byte{'3', 1, 2, 3})
	assert.ErrorIs(t, err, ErrBadRecord, "tiny records have no type")

	lit, body, rest, err := TakeAnyWary(Record('U', []byte{7}))
	require.NoError(t, err)
	assert.Equal(t, byte('U'), lit)
	assert.Equal(t, []byte{7}, body)
	assert.Empty(t, rest)
}

func TestRecordReader(t *testing.T) {
	var stream []byte
	stream = Append(stream, 'P', []byte("one"))
	stream = Append(stream, 'P', bytes.Repeat([]byte{1}, 300))
	stream = append(stream, 'W', 2, 0)

	rr := NewRecordReader(bytes.NewReader(stream), 0)
	rec, err := rr.Next()
	require.NoError(t, err)
	assert.Equal(t, Record('P', []byte("one")), rec)
	assert.True(t, rr.Buffered())

	rec, err = rr.Next()
	require.NoError(t, err)
	assert.Equal(t, 305, len(rec))

	_, err = rr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	rr = NewRecordReader(bytes.NewReader(nil), 0)
	_, err = rr.Next()
	assert.Equal(t, io.EOF, err)

	rr = NewRecordReader(bytes.NewReader([]byte{'#', 1, 2}), 0)
	_, err = rr.Next()
	assert.ErrorIs(t, err, ErrBadRecord)

	rr = NewRecordReader(bytes.NewReader(Record('P', make([]byte, 64))), 16)
	_, err = rr.Next()
	assert.ErrorIs(t, err, ErrOversized)
}

func TestAppendHeaderPanics(t *testing.T) {
	assert.Panics(t, func() { AppendHeader(nil, '1', 1) })
}
