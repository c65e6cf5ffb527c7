// Package store keeps the persisted state of sync map owners in pebble.
//
// Keys are 'F', the xxhash of the owner key (8 bytes, big endian), then the
// field name. Values are the type tag varint followed by the encoded value,
// exactly as the field codec writes it.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/syncmap"
	"github.com/drpcorg/syncmap/codec"
	"github.com/drpcorg/syncmap/utils"
)

const (
	fieldLit  = 'F'
	prefixLen = 1 + 8
)

var ErrClosed = errors.New("store: closed")

type Options struct {
	pebble.Options
	Log utils.Logger
	// NoSync skips the fsync on commit; for tests and throwaway worlds.
	NoSync bool
}

func (o *Options) SetDefaults() {
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type Store struct {
	db   *pebble.DB
	log  utils.Logger
	wo   *pebble.WriteOptions
	path string
}

func Open(path string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(path, &opts.Options)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	opts.Log.Debug("store: open", "path", path)
	return &Store{db: db, log: opts.Log, wo: wo, path: path}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB is exposed for metrics and maintenance.
func (s *Store) DB() *pebble.DB {
	return s.db
}

func ownerPrefix(key string) (prefix [prefixLen]byte) {
	prefix[0] = fieldLit
	binary.BigEndian.PutUint64(prefix[1:], xxhash.Sum64([]byte(key)))
	return
}

// Owner is the field store of one owner, writing straight to the db.
func (s *Store) Owner(key string) *OwnerStore {
	return &OwnerStore{prefix: ownerPrefix(key), w: s.db, r: s.db, wo: s.wo}
}

// Save writes all the fields of the authority in one batch.
func (s *Store) Save(key string, a *syncmap.Authority) error {
	if s.db == nil {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	fs := &OwnerStore{prefix: ownerPrefix(key), w: b, r: s.db}
	if err := a.Write(fs); err != nil {
		return err
	}
	return b.Commit(s.wo)
}

// Load reads the stored fields into the authority, see Authority.Read.
func (s *Store) Load(key string, a *syncmap.Authority) error {
	if s.db == nil {
		return ErrClosed
	}
	return a.Read(s.Owner(key))
}

// Drop removes everything stored for the owner.
func (s *Store) Drop(key string) error {
	if s.db == nil {
		return ErrClosed
	}
	from := ownerPrefix(key)
	return s.db.DeleteRange(from[:], prefixEnd(from), s.wo)
}

// OwnerStore implements syncmap.FieldStore for one owner.
type OwnerStore struct {
	prefix [prefixLen]byte
	w      pebble.Writer
	r      pebble.Reader
	wo     *pebble.WriteOptions
}

func (o *OwnerStore) key(name string) []byte {
	key := make([]byte, 0, prefixLen+len(name))
	key = append(key, o.prefix[:]...)
	return append(key, name...)
}

func (o *OwnerStore) Put(name string, tag codec.TypeTag, value []byte) error {
	val := codec.AppendUvarint(make([]byte, 0, len(value)+5), uint64(tag))
	val = append(val, value...)
	// a batch copies the value; so does the db
	return o.w.Set(o.key(name), val, o.wo)
}

func (o *OwnerStore) Lookup(name string) (tag codec.TypeTag, value []byte, ok bool, err error) {
	val, closer, err := o.r.Get(o.key(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	defer closer.Close()
	t, rest, err := codec.TakeUvarint(val)
	if err != nil {
		return 0, nil, false, fmt.Errorf("store: field %q: %w", name, err)
	}
	return codec.TypeTag(t), append([]byte(nil), rest...), true, nil
}

// Names lists the stored field names of the owner, sorted.
func (o *OwnerStore) Names() (names []string, err error) {
	lower := o.prefix
	it, err := o.r.NewIter(&pebble.IterOptions{
		LowerBound: lower[:],
		UpperBound: prefixEnd(o.prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		names = append(names, string(it.Key()[prefixLen:]))
	}
	return names, it.Error()
}

// prefixEnd is the least key above every key with the prefix.
func prefixEnd(prefix [prefixLen]byte) []byte {
	upper := prefix
	for i := prefixLen - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:]
		}
	}
	return nil
}
