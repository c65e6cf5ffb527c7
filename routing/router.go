package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/drpcorg/syncmap/codec"
	"github.com/drpcorg/syncmap/protocol"
	"github.com/drpcorg/syncmap/utils"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrBadPacket     = errors.New("routing: malformed packet")
	ErrUnknownKind   = errors.New("routing: unknown owner kind")
	ErrDuplicateKind = errors.New("routing: owner kind is handled already")
	ErrUnresolved    = errors.New("routing: owner is not loaded")
)

func (k OwnerKind) String() string {
	switch k {
	case EntityKind:
		return "entity"
	case BlockKind:
		return "block"
	default:
		return "kind" + strconv.FormatUint(uint64(k), 10)
	}
}

// Target is the local end of an owner, normally a *syncmap.Replica.
type Target interface {
	Receive(lit byte, body []byte) error
}

// Resolver maps an address to the loaded owner, if any. Owners may be
// unloaded while their packets are in flight, so a miss is routine.
type Resolver interface {
	Resolve(addr Address) (Target, bool)
}

type ResolverFunc func(addr Address) (Target, bool)

func (f ResolverFunc) Resolve(addr Address) (Target, bool) {
	return f(addr)
}

// Packet is a parsed inbound packet.
type Packet struct {
	Addr Address
	Lit  byte
	Body []byte
	key  string
}

// AppendPacket writes the owner header and the payload record.
func AppendPacket(into []byte, addr Address, lit byte, body []byte) []byte {
	into = AppendHeader(into, addr)
	return protocol.Append(into, lit, body)
}

type RouterOptions struct {
	Log utils.Logger
	// CacheSize bounds the number of resolved owners remembered.
	CacheSize int
}

func (o *RouterOptions) SetDefaults() {
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 4096
	}
}

type handler struct {
	parse    AddressParser
	resolver Resolver
}

// Router dispatches packets on the owner kind. Resolved owners are cached
// by their header bytes until Invalidate.
type Router struct {
	opts  RouterOptions
	lock  sync.RWMutex
	kinds map[OwnerKind]handler
	cache *lru.Cache[string, Target]
}

func NewRouter(opts RouterOptions) *Router {
	opts.SetDefaults()
	cache, _ := lru.New[string, Target](opts.CacheSize)
	return &Router{
		opts:  opts,
		kinds: make(map[OwnerKind]handler),
		cache: cache,
	}
}

func (r *Router) Logger() utils.Logger {
	return r.opts.Log
}

func (r *Router) Handle(kind OwnerKind, parse AddressParser, resolver Resolver) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.kinds[kind] = handler{parse: parse, resolver: resolver}
	return nil
}

func (r *Router) handler(kind OwnerKind) (handler, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	h, ok := r.kinds[kind]
	return h, ok
}

// ParseHeader reads the owner kind and address off the head of data.
func (r *Router) ParseHeader(data []byte) (addr Address, rest []byte, err error) {
	k, rest, err := codec.TakeUvarint(data)
	if err != nil {
		return nil, data, errors.Join(ErrBadPacket, err)
	}
	kind := OwnerKind(k)
	h, ok := r.handler(kind)
	if !ok {
		return nil, data, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	addr, rest, err = h.parse(rest)
	if err != nil {
		return nil, data, errors.Join(ErrBadPacket, err)
	}
	return addr, rest, nil
}

// Parse reads the header and the payload record. It does not touch the
// owners, so it is safe on the receive goroutine.
func (r *Router) Parse(packet []byte) (p Packet, err error) {
	var rest []byte
	p.Addr, rest, err = r.ParseHeader(packet)
	if err != nil {
		return p, err
	}
	p.key = string(packet[:len(packet)-len(rest)])
	p.Lit, p.Body, rest, err = protocol.TakeAnyWary(rest)
	if err != nil {
		return p, errors.Join(ErrBadPacket, err)
	}
	if len(rest) > 0 {
		return p, fmt.Errorf("%w: %d trailing bytes", ErrBadPacket, len(rest))
	}
	return p, nil
}

// Resolve finds the loaded owner of the address.
func (r *Router) Resolve(addr Address) (Target, error) {
	return r.resolve(addr, string(Header(addr)))
}

func (r *Router) resolve(addr Address, key string) (Target, error) {
	if t, ok := r.cache.Get(key); ok {
		return t, nil
	}
	h, ok := r.handler(addr.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, addr.Kind())
	}
	t, ok := h.resolver.Resolve(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, addr)
	}
	r.cache.Add(key, t)
	return t, nil
}

// Route parses the packet and resolves its owner in one go.
func (r *Router) Route(packet []byte) (Target, Packet, error) {
	p, err := r.Parse(packet)
	if err != nil {
		return nil, p, err
	}
	t, err := r.resolve(p.Addr, p.key)
	return t, p, err
}

// Invalidate forgets the cached owner; call it when the owner is unloaded.
func (r *Router) Invalidate(addr Address) {
	r.cache.Remove(string(Header(addr)))
}

func (r *Router) Cached() int {
	return r.cache.Len()
}
