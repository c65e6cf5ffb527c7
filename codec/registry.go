/*
Package codec maps small integer type tags to value codecs.

A field value crosses the wire as its codec's encoding only; the reader
learns the codec from the tag sent with the snapshot. A reader that meets an
unknown tag cannot tell how long the value is, so decoding stops there.

The registry is a closed table: every codec is registered once under a tag,
and the Go type of its Zero value becomes the kind used on the encode path.
*/
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeTag identifies a codec on the wire.
type TypeTag uint32

type Codec interface {
	// Zero returns the placeholder value; its Go type is the codec's kind.
	Zero() any
	// Append encodes a valid value. The encoding must be self-delimiting.
	Append(into []byte, v any) ([]byte, error)
	// Take decodes one value from the head of data.
	Take(data []byte) (v any, rest []byte, err error)
	Valid(v any) bool
	Equal(a, b any) bool
}

// Cloner is implemented by codecs of values that share memory. A field
// keeps a clone, so the caller may reuse what it passed in.
type Cloner interface {
	Clone(v any) any
}

// Clone copies v if c knows how to.
func Clone(c Codec, v any) any {
	if cl, ok := c.(Cloner); ok {
		return cl.Clone(v)
	}
	return v
}

var (
	ErrDuplicateTag  = errors.New("codec: type tag already registered")
	ErrDuplicateKind = errors.New("codec: value kind already registered")
	ErrUnknownTag    = errors.New("codec: unknown type tag")
	ErrUnknownKind   = errors.New("codec: no codec for the value kind")
	ErrInvalidValue  = errors.New("codec: value is not valid for the codec")
	ErrNoEquality    = errors.New("codec: kind is not comparable and the codec has no equality")
)

type Registry struct {
	lock   sync.RWMutex
	byTag  map[TypeTag]Codec
	byKind map[reflect.Type]TypeTag
}

func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[TypeTag]Codec),
		byKind: make(map[reflect.Type]TypeTag),
	}
}

// Register binds tag and the codec's kind. Both must be new.
func (r *Registry) Register(tag TypeTag, c Codec) error {
	kind := reflect.TypeOf(c.Zero())
	if kind == nil {
		return fmt.Errorf("codec: tag %d has a nil zero value", tag)
	}
	if p, ok := c.(interface{ hasEqual() bool }); ok && !kind.Comparable() && !p.hasEqual() {
		return fmt.Errorf("%w: %s (tag %d)", ErrNoEquality, kind, tag)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.byTag[tag]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateTag, tag)
	}
	if prev, ok := r.byKind[kind]; ok {
		return fmt.Errorf("%w: %s (tag %d)", ErrDuplicateKind, kind, prev)
	}
	r.byTag[tag] = c
	r.byKind[kind] = tag
	return nil
}

// MustRegister is Register for process start, panics on a conflict.
func (r *Registry) MustRegister(tag TypeTag, c Codec) {
	if err := r.Register(tag, c); err != nil {
		panic(err)
	}
}

func (r *Registry) ByTag(tag TypeTag) (Codec, error) {
	r.lock.RLock()
	c, ok := r.byTag[tag]
	r.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	return c, nil
}

func (r *Registry) ByValue(v any) (TypeTag, Codec, error) {
	kind := reflect.TypeOf(v)
	r.lock.RLock()
	tag, ok := r.byKind[kind]
	c := r.byTag[tag]
	r.lock.RUnlock()
	if !ok {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
	return tag, c, nil
}

// Tags lists registered tags in ascending order.
func (r *Registry) Tags() (tags []TypeTag) {
	r.lock.RLock()
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	r.lock.RUnlock()
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return
}

const (
	BoolTag TypeTag = iota + 1
	IntTag
	Int64Tag
	Uint64Tag
	Float64Tag
	StringTag
	BytesTag
)

// NewDefaultRegistry returns a registry holding the built-in codecs.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(BoolTag, Bool)
	r.MustRegister(IntTag, Int)
	r.MustRegister(Int64Tag, Int64)
	r.MustRegister(Uint64Tag, Uint64)
	r.MustRegister(Float64Tag, Float64)
	r.MustRegister(StringTag, String)
	r.MustRegister(BytesTag, Bytes)
	return r
}

var defaultRegistry = NewDefaultRegistry()

// Default is the process-wide registry. Application codecs are
// added to it at start, before any map is encoded.
func Default() *Registry {
	return defaultRegistry
}
