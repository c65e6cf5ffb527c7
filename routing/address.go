// Package routing prefixes sync payloads with the address of their owner
// and hands inbound payloads to the owner's replica.
//
// A packet is
//
//	ownerKind:varint | address:<kind specific> | TLV(lit, body)
//
// where lit is the packet kind (init or update) and body is a snapshot
// or a delta.
package routing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/drpcorg/syncmap/codec"
)

var ErrBadAddress = errors.New("routing: bad address")

// OwnerKind discriminates the address formats. Kinds are agreed on by
// both ends, like type tags.
type OwnerKind uint64

const (
	EntityKind OwnerKind = 1
	BlockKind  OwnerKind = 2
)

// Address identifies an owner of a sync map on both ends.
type Address interface {
	Kind() OwnerKind
	// Append writes the address without the kind.
	Append(into []byte) []byte
	String() string
}

// AddressParser reads an address of a known kind off the head of data.
type AddressParser func(data []byte) (addr Address, rest []byte, err error)

// EntityAddress is a numeric identity, as of a player or a mob.
type EntityAddress struct {
	ID uint64
}

func (a EntityAddress) Kind() OwnerKind { return EntityKind }

func (a EntityAddress) Append(into []byte) []byte {
	return codec.AppendUvarint(into, a.ID)
}

func (a EntityAddress) String() string {
	return fmt.Sprintf("entity:%d", a.ID)
}

func ParseEntity(data []byte) (Address, []byte, error) {
	id, rest, err := codec.TakeUvarint(data)
	if err != nil {
		return nil, data, err
	}
	return EntityAddress{ID: id}, rest, nil
}

// BlockAddress is an integer position triple, as of a block entity.
type BlockAddress struct {
	X, Y, Z int64
}

func (a BlockAddress) Kind() OwnerKind { return BlockKind }

func (a BlockAddress) Append(into []byte) []byte {
	into = codec.AppendUvarint(into, codec.ZigZagInt64(a.X))
	into = codec.AppendUvarint(into, codec.ZigZagInt64(a.Y))
	return codec.AppendUvarint(into, codec.ZigZagInt64(a.Z))
}

func (a BlockAddress) String() string {
	return fmt.Sprintf("block:%d,%d,%d", a.X, a.Y, a.Z)
}

func ParseBlock(data []byte) (Address, []byte, error) {
	var xyz [3]int64
	rest := data
	for i := range xyz {
		u, r, err := codec.TakeUvarint(rest)
		if err != nil {
			return nil, data, err
		}
		xyz[i] = codec.ZagZigUint64(u)
		rest = r
	}
	return BlockAddress{X: xyz[0], Y: xyz[1], Z: xyz[2]}, rest, nil
}

// AppendHeader writes the kind and the address.
func AppendHeader(into []byte, addr Address) []byte {
	into = codec.AppendUvarint(into, uint64(addr.Kind()))
	return addr.Append(into)
}

func Header(addr Address) []byte {
	return AppendHeader(nil, addr)
}

// ParseAddress reads the String form of the built-in addresses,
// "entity:7" or "block:1,-2,3".
func ParseAddress(s string) (Address, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	switch kind {
	case "entity":
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrBadAddress, s, err)
		}
		return EntityAddress{ID: id}, nil
	case "block":
		parts := strings.Split(rest, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
		var xyz [3]int64
		for i, p := range parts {
			v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %w", ErrBadAddress, s, err)
			}
			xyz[i] = v
		}
		return BlockAddress{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrBadAddress, kind)
}
