package syncmap

import (
	"fmt"
	"log/slog"

	"github.com/drpcorg/syncmap/codec"
	"github.com/drpcorg/syncmap/utils"
)

type ReplicaOptions struct {
	Name     string
	Registry *codec.Registry
	Log      utils.Logger
	// Strict rejects a delta that arrives before the snapshot. By default
	// such a packet is parsed as the snapshot.
	Strict bool
}

func (o *ReplicaOptions) SetDefaults() {
	if o.Registry == nil {
		o.Registry = codec.Default()
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// ReplicaField is a field as the replica sees it. Pre-declared fields keep
// their identity across snapshots, so application code may hold on to them.
type ReplicaField struct {
	name        string
	tag         codec.TypeTag
	codec       codec.Codec
	value       any
	id          FieldID
	bound       bool
	placeholder bool
}

func (f *ReplicaField) Name() string { return f.name }

func (f *ReplicaField) Tag() codec.TypeTag { return f.tag }

func (f *ReplicaField) Value() any { return f.value }

// Placeholder is true for fields the snapshot announced but nobody declared
// locally, or declared with another type.
func (f *ReplicaField) Placeholder() bool { return f.placeholder }

// ID is valid while the field is bound to the current snapshot.
func (f *ReplicaField) ID() (FieldID, bool) { return f.id, f.bound }

func (f *ReplicaField) String() string {
	return fmt.Sprintf("#%d %s=%v", f.id, f.name, f.value)
}

type Listener interface {
	OnSync(r *Replica, changed []*ReplicaField)
}

type ListenerFunc func(r *Replica, changed []*ReplicaField)

func (lf ListenerFunc) OnSync(r *Replica, changed []*ReplicaField) {
	lf(r, changed)
}

type listenerEntry struct {
	seq uint64
	l   Listener
}

// Replica rebuilds an authority's fields from snapshot and delta payloads.
// Like the authority it is single-threaded: packets reach it through a
// per-owner queue drained on the simulation goroutine.
type Replica struct {
	opts        ReplicaOptions
	declared    map[string]*ReplicaField
	fields      []*ReplicaField
	initialized bool
	listeners   []listenerEntry
	seq         uint64
}

func NewReplica(opts ReplicaOptions) *Replica {
	opts.SetDefaults()
	return &Replica{
		opts:     opts,
		declared: make(map[string]*ReplicaField),
	}
}

func (r *Replica) Name() string {
	return r.opts.Name
}

func (r *Replica) Initialized() bool {
	return r.initialized
}

// Reset forgets the received state, e.g. when the connection to the
// authority was lost. Declared fields and listeners stay; the next payload
// is expected to be a snapshot.
func (r *Replica) Reset() {
	for _, f := range r.fields {
		f.bound = false
	}
	r.fields = nil
	r.initialized = false
}

func (r *Replica) Len() int {
	return len(r.fields)
}

// Declare announces a local field the snapshot is expected to carry.
// The initial value fixes its type and stays until a snapshot binds it.
func (r *Replica) Declare(name string, initial any) (*ReplicaField, error) {
	if r.initialized {
		return nil, fmt.Errorf("%w: %q", ErrSealed, name)
	}
	if _, ok := r.declared[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateField, name)
	}
	tag, c, err := r.opts.Registry.ByValue(initial)
	if err != nil {
		return nil, fmt.Errorf("syncmap: field %q: %w", name, err)
	}
	f := &ReplicaField{name: name, tag: tag, codec: c, value: initial}
	r.declared[name] = f
	return f, nil
}

// Handle returns the field at id, nil if there is none.
func (r *Replica) Handle(id FieldID) *ReplicaField {
	if int(id) >= len(r.fields) {
		return nil
	}
	return r.fields[id]
}

// ID is the reverse of Handle.
func (r *Replica) ID(f *ReplicaField) (FieldID, bool) {
	if f == nil || !f.bound || int(f.id) >= len(r.fields) || r.fields[f.id] != f {
		return 0, false
	}
	return f.id, true
}

func (r *Replica) ByName(name string) *ReplicaField {
	for _, f := range r.fields {
		if f.name == name {
			return f
		}
	}
	return r.declared[name]
}

// Fields returns the bound fields in id order; the slice must not be modified.
func (r *Replica) Fields() []*ReplicaField {
	return r.fields
}

// Listen adds l to the end of the notification order.
func (r *Replica) Listen(l Listener) (cancel func()) {
	r.seq++
	seq := r.seq
	r.listeners = append(r.listeners, listenerEntry{seq: seq, l: l})
	return func() {
		for i, e := range r.listeners {
			if e.seq == seq {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

func (r *Replica) notify(changed []*ReplicaField) {
	if len(changed) == 0 {
		return
	}
	for _, e := range append([]listenerEntry(nil), r.listeners...) {
		e.l.OnSync(r, changed)
	}
}

// Receive dispatches a payload by its packet kind.
func (r *Replica) Receive(lit byte, body []byte) error {
	switch lit {
	case LitInit:
		return r.OnSnapshot(body)
	case LitUpdate:
		return r.OnDelta(body)
	}
	return fmt.Errorf("%w: %q", ErrBadPacketKind, lit)
}

type staged struct {
	field *ReplicaField
	value any
}

// OnSnapshot replaces the field list with the one in data. Nothing changes
// unless the whole payload decodes; an unknown type tag fails it entirely.
func (r *Replica) OnSnapshot(data []byte) (err error) {
	defer func() {
		if err != nil {
			DecodeFailures.WithLabelValues(r.opts.Name, shapeSnapshot).Inc()
		}
	}()
	count, rest, err := codec.TakeUvarint(data)
	if err != nil {
		return fmt.Errorf("syncmap: snapshot field count: %w", err)
	}
	if count > uint64(len(rest)) { // every field takes two bytes at least
		return fmt.Errorf("syncmap: snapshot of %d fields in %d bytes: %w", count, len(rest), codec.ErrTruncated)
	}
	stage := make([]staged, 0, count)
	seen := make(map[string]struct{}, count)
	for i := uint64(0); i < count; i++ {
		id := FieldID(i)
		var name []byte
		var tag uint64
		if name, rest, err = codec.TakeBlob(rest); err != nil {
			return &FieldError{ID: id, Err: err}
		}
		if _, dup := seen[string(name)]; dup {
			return &FieldError{ID: id, Name: string(name), Err: ErrDuplicateField}
		}
		seen[string(name)] = struct{}{}
		if tag, rest, err = codec.TakeUvarint(rest); err != nil {
			return &FieldError{ID: id, Name: string(name), Err: err}
		}
		c, err := r.opts.Registry.ByTag(codec.TypeTag(tag))
		if err != nil {
			return &FieldError{ID: id, Name: string(name), Err: err}
		}
		var value any
		if value, rest, err = c.Take(rest); err != nil {
			return &FieldError{ID: id, Name: string(name), Err: err}
		}
		stage = append(stage, staged{field: r.bind(string(name), codec.TypeTag(tag), c), value: value})
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d after snapshot", ErrTrailingBytes, len(rest))
	}

	for _, f := range r.fields {
		f.bound = false
	}
	r.fields = make([]*ReplicaField, 0, len(stage))
	changed := make([]*ReplicaField, 0, len(stage))
	for i, s := range stage {
		s.field.id = FieldID(i)
		s.field.bound = true
		s.field.value = s.value
		r.fields = append(r.fields, s.field)
		changed = append(changed, s.field)
	}
	r.initialized = true
	PacketsApplied.WithLabelValues(r.opts.Name, shapeSnapshot).Inc()
	r.notify(changed)
	return nil
}

func (r *Replica) bind(name string, tag codec.TypeTag, c codec.Codec) *ReplicaField {
	if f, ok := r.declared[name]; ok {
		if f.tag == tag {
			return f
		}
		r.opts.Log.Warn("replica: declared field type differs, using a placeholder",
			"map", r.opts.Name, "field", name, "declared", f.tag, "received", tag)
	}
	return &ReplicaField{name: name, tag: tag, codec: c, value: c.Zero(), placeholder: true}
}

// OnDelta applies the values flagged in the bitmap, in ascending id order.
// A value that fails to decode stops the pass; the fields before it stay
// applied and are reported.
func (r *Replica) OnDelta(data []byte) (err error) {
	if !r.initialized {
		if r.opts.Strict {
			DecodeFailures.WithLabelValues(r.opts.Name, shapeDelta).Inc()
			return ErrNotInitialized
		}
		r.opts.Log.Debug("replica: not initialized, reading the update as a snapshot", "map", r.opts.Name)
		return r.OnSnapshot(data)
	}
	defer func() {
		if err != nil {
			DecodeFailures.WithLabelValues(r.opts.Name, shapeDelta).Inc()
		}
	}()
	blen := BitmapLen(len(r.fields))
	if len(data) < blen {
		return fmt.Errorf("syncmap: delta bitmap: %w", codec.ErrTruncated)
	}
	bitmap, rest := Bitmap(data[:blen]), data[blen:]
	if !bitmap.Fits(len(r.fields)) {
		return ErrBadBitmap
	}
	var changed []*ReplicaField
	defer func() { r.notify(changed) }()
	for _, id := range bitmap.Ones() {
		f := r.fields[id]
		var value any
		if value, rest, err = f.codec.Take(rest); err != nil {
			return &FieldError{ID: id, Name: f.name, Err: err}
		}
		f.value = value
		changed = append(changed, f)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d after delta", ErrTrailingBytes, len(rest))
	}
	PacketsApplied.WithLabelValues(r.opts.Name, shapeDelta).Inc()
	return nil
}
