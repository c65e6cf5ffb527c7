package syncmap

import (
	"errors"
	"testing"

	"github.com/drpcorg/syncmap/codec"
	"github.com/drpcorg/syncmap/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedValue struct {
	tag   codec.TypeTag
	value []byte
}

type mapStore map[string]storedValue

func (m mapStore) Put(name string, tag codec.TypeTag, value []byte) error {
	m[name] = storedValue{tag: tag, value: append([]byte(nil), value...)}
	return nil
}

func (m mapStore) Lookup(name string) (codec.TypeTag, []byte, bool, error) {
	v, ok := m[name]
	return v.tag, v.value, ok, nil
}

type brokenStore struct{}

func (brokenStore) Put(string, codec.TypeTag, []byte) error { return errors.New("disk full") }

func (brokenStore) Lookup(string) (codec.TypeTag, []byte, bool, error) {
	return 0, nil, false, errors.New("disk gone")
}

func TestPersist_RoundTrip(t *testing.T) {
	a := testAuthority(t)
	require.NoError(t, a.Set("health", 3))
	store := mapStore{}
	require.NoError(t, a.Write(store))
	assert.Len(t, store, 2)

	// registration order differs, names match
	b := NewAuthority(AuthorityOptions{Log: utils.Discard()})
	_, err := b.Register("name", "")
	require.NoError(t, err)
	_, err = b.Register("mana", 1.5)
	require.NoError(t, err)
	_, err = b.Register("health", 0)
	require.NoError(t, err)
	require.NoError(t, b.Read(store))

	h, _ := b.Get("health")
	n, _ := b.Get("name")
	m, _ := b.Get("mana")
	assert.Equal(t, 3, h)
	assert.Equal(t, "bob", n)
	assert.Equal(t, 1.5, m)
}

func TestPersist_TypeMismatchSkipped(t *testing.T) {
	store := mapStore{}
	require.NoError(t, testAuthority(t).Write(store))

	b := NewAuthority(AuthorityOptions{Log: utils.Discard()})
	_, err := b.Register("health", "full")
	require.NoError(t, err)
	require.NoError(t, b.Read(store))
	h, _ := b.Get("health")
	assert.Equal(t, "full", h)
}

func TestPersist_Errors(t *testing.T) {
	a := testAuthority(t)
	assert.Error(t, a.Write(brokenStore{}))
	assert.Error(t, a.Read(brokenStore{}))

	store := mapStore{"health": {tag: codec.IntTag, value: []byte{3}}}
	var fe *FieldError
	require.ErrorAs(t, a.Read(store), &fe)
	assert.Equal(t, "health", fe.Name)
}
