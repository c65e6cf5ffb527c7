package syncmap

import (
	"fmt"

	"github.com/drpcorg/syncmap/codec"
)

// FieldStore keeps encoded field values by name, for saving an owner's
// state between runs. It is independent of the wire: order does not matter
// and ids are not stored. Put must not retain the value slice.
type FieldStore interface {
	Put(name string, tag codec.TypeTag, value []byte) error
	Lookup(name string) (tag codec.TypeTag, value []byte, ok bool, err error)
}

// Write stores every field with its codec.
func (a *Authority) Write(store FieldStore) error {
	var buf []byte
	for _, f := range a.fields {
		var err error
		if buf, err = f.append(buf[:0]); err != nil {
			return err
		}
		if err = store.Put(f.name, f.tag, buf); err != nil {
			return fmt.Errorf("syncmap: store field %q: %w", f.name, err)
		}
	}
	return nil
}

// Read loads the stored values of registered fields. Missing fields keep
// their values; a field stored under another type tag is skipped.
// Loaded values go through Set, so they are sent as changes.
func (a *Authority) Read(store FieldStore) error {
	for _, f := range a.fields {
		tag, value, ok, err := store.Lookup(f.name)
		if err != nil {
			return fmt.Errorf("syncmap: load field %q: %w", f.name, err)
		}
		if !ok {
			continue
		}
		if tag != f.tag {
			a.opts.Log.Warn("persist: stored field type differs, skipped",
				"map", a.opts.Name, "field", f.name, "stored", tag, "registered", f.tag)
			continue
		}
		v, rest, err := f.codec.Take(value)
		if err != nil {
			return f.err(err)
		}
		if len(rest) != 0 {
			return f.err(ErrTrailingBytes)
		}
		if _, err = f.set(v); err != nil {
			return err
		}
	}
	return nil
}
