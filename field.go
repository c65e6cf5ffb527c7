package syncmap

import (
	"fmt"

	"github.com/drpcorg/syncmap/codec"
)

// FieldID is the registration ordinal of a field, also its bit in a delta.
type FieldID uint32

// Field is an authority-side slot. It turns dirty when set to a value
// its codec considers different, and only a ChangeSet makes it clean.
type Field struct {
	id    FieldID
	name  string
	tag   codec.TypeTag
	codec codec.Codec
	value any
	dirty bool
}

func (f *Field) ID() FieldID { return f.id }

func (f *Field) Name() string { return f.name }

func (f *Field) Tag() codec.TypeTag { return f.tag }

// Value is shared with the field; a slice must not be modified in place.
func (f *Field) Value() any { return f.value }

func (f *Field) Dirty() bool { return f.dirty }

func (f *Field) String() string {
	return fmt.Sprintf("#%d %s=%v", f.id, f.name, f.value)
}

func (f *Field) err(err error) error {
	return &FieldError{ID: f.id, Name: f.name, Err: err}
}

func (f *Field) append(into []byte) ([]byte, error) {
	out, err := f.codec.Append(into, f.value)
	if err != nil {
		return into, f.err(err)
	}
	return out, nil
}

func (f *Field) set(v any) (changed bool, err error) {
	if !f.codec.Valid(v) {
		return false, f.err(fmt.Errorf("%w: %T", codec.ErrInvalidValue, v))
	}
	if f.codec.Equal(f.value, v) {
		return false, nil
	}
	f.value = codec.Clone(f.codec, v)
	f.dirty = true
	return true, nil
}

// ChangeSet lists dirty fields in ascending FieldID order.
type ChangeSet []FieldID

func (cs ChangeSet) Empty() bool {
	return len(cs) == 0
}

// Bitmap has one bit per field: bit i lives in byte i/8 under mask 1<<(i%8).
type Bitmap []byte

func BitmapLen(fields int) int {
	return (fields + 7) / 8
}

func NewBitmap(fields int) Bitmap {
	return make(Bitmap, BitmapLen(fields))
}

func (b Bitmap) Set(id FieldID) {
	b[id/8] |= 1 << (id % 8)
}

func (b Bitmap) Has(id FieldID) bool {
	if int(id/8) >= len(b) {
		return false
	}
	return b[id/8]&(1<<(id%8)) != 0
}

// Ones lists the set bits in ascending order.
func (b Bitmap) Ones() (ids []FieldID) {
	for i, octet := range b {
		for bit := 0; octet != 0; bit++ {
			if octet&1 != 0 {
				ids = append(ids, FieldID(i*8+bit))
			}
			octet >>= 1
		}
	}
	return
}

// Fits reports whether no bit at or above n is set.
func (b Bitmap) Fits(n int) bool {
	for _, id := range b.Ones() {
		if int(id) >= n {
			return false
		}
	}
	return true
}
