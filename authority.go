package syncmap

import (
	"fmt"
	"log/slog"

	"github.com/drpcorg/syncmap/codec"
	"github.com/drpcorg/syncmap/utils"
)

type AuthorityOptions struct {
	// Name labels logs and metrics, e.g. the owner address.
	Name     string
	Registry *codec.Registry
	Log      utils.Logger
}

func (o *AuthorityOptions) SetDefaults() {
	if o.Registry == nil {
		o.Registry = codec.Default()
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// Authority holds the source-of-truth fields of one owner.
//
// All registration happens before the first snapshot is encoded; from then
// on the map is sealed and field ids are fixed for its lifetime. Mutation and
// encoding are expected to run on one simulation goroutine, so there is
// no locking here.
type Authority struct {
	opts   AuthorityOptions
	fields []*Field
	byName map[string]*Field
	sealed bool
}

func NewAuthority(opts AuthorityOptions) *Authority {
	opts.SetDefaults()
	return &Authority{
		opts:   opts,
		byName: make(map[string]*Field),
	}
}

func (a *Authority) Name() string {
	return a.opts.Name
}

func (a *Authority) Logger() utils.Logger {
	return a.opts.Log
}

// Sealed is true once a snapshot was encoded.
func (a *Authority) Sealed() bool {
	return a.sealed
}

func (a *Authority) Len() int {
	return len(a.fields)
}

// Register adds a field; its id is the number of fields registered before.
// The codec is looked up by the Go type of initial.
func (a *Authority) Register(name string, initial any) (FieldID, error) {
	if a.sealed {
		return 0, fmt.Errorf("%w: %q", ErrSealed, name)
	}
	if _, ok := a.byName[name]; ok {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateField, name)
	}
	tag, c, err := a.opts.Registry.ByValue(initial)
	if err != nil {
		return 0, fmt.Errorf("syncmap: field %q: %w", name, err)
	}
	if !c.Valid(initial) {
		return 0, fmt.Errorf("syncmap: field %q: %w", name, codec.ErrInvalidValue)
	}
	f := &Field{
		id:    FieldID(len(a.fields)),
		name:  name,
		tag:   tag,
		codec: c,
		value: codec.Clone(c, initial),
	}
	a.fields = append(a.fields, f)
	a.byName[name] = f
	return f.id, nil
}

// Set changes a field's value, marking it dirty if the value differs.
func (a *Authority) Set(name string, v any) error {
	f, ok := a.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	_, err := f.set(v)
	return err
}

// Get returns a copy of the value, which the caller may modify and Set.
func (a *Authority) Get(name string) (any, bool) {
	f, ok := a.byName[name]
	if !ok {
		return nil, false
	}
	return codec.Clone(f.codec, f.value), true
}

func (a *Authority) Field(id FieldID) *Field {
	if int(id) >= len(a.fields) {
		return nil
	}
	return a.fields[id]
}

func (a *Authority) FieldByName(name string) *Field {
	return a.byName[name]
}

// Fields returns the fields in id order; the slice must not be modified.
func (a *Authority) Fields() []*Field {
	return a.fields
}

// ChangeSet collects the dirty fields and clears their flags in one pass.
// Call it at most once per send cycle: a cleared change is not reported again.
func (a *Authority) ChangeSet() (cs ChangeSet) {
	for _, f := range a.fields {
		if f.dirty {
			f.dirty = false
			cs = append(cs, f.id)
		}
	}
	ChangeSetSize.WithLabelValues(a.opts.Name).Observe(float64(len(cs)))
	return
}

// AppendSnapshot writes the self-describing form of all fields:
//
//	count:varint {name:blob tag:varint value}*count
//
// It seals the map.
func (a *Authority) AppendSnapshot(into []byte) ([]byte, error) {
	a.sealed = true
	out := codec.AppendUvarint(into, uint64(len(a.fields)))
	for _, f := range a.fields {
		out = codec.AppendBlob(out, []byte(f.name))
		out = codec.AppendUvarint(out, uint64(f.tag))
		var err error
		if out, err = f.append(out); err != nil {
			return into, err
		}
	}
	return out, nil
}

// AppendDelta writes the bitmap of cs followed by the values of its
// fields in ascending id order.
func (a *Authority) AppendDelta(into []byte, cs ChangeSet) ([]byte, error) {
	if !a.sealed {
		return into, ErrNoSnapshot
	}
	bitmap := NewBitmap(len(a.fields))
	for _, id := range cs {
		if int(id) >= len(a.fields) {
			return into, fmt.Errorf("%w: #%d", ErrUnknownField, id)
		}
		bitmap.Set(id)
	}
	out := append(into, bitmap...)
	for _, id := range bitmap.Ones() {
		var err error
		if out, err = a.fields[id].append(out); err != nil {
			return into, err
		}
	}
	return out, nil
}
