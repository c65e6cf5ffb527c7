package syncmap

import (
	"context"
	"errors"
	"testing"

	"github.com/drpcorg/syncmap/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to   ObserverID
	lit  byte
	body []byte
}

type recorder struct {
	packets []sent
	fail    map[ObserverID]bool
}

func (r *recorder) Send(_ context.Context, observer ObserverID, lit byte, body []byte) error {
	if r.fail[observer] {
		return errors.New("link down")
	}
	r.packets = append(r.packets, sent{to: observer, lit: lit, body: append([]byte(nil), body...)})
	return nil
}

func (r *recorder) to(o ObserverID) (ret []sent) {
	for _, p := range r.packets {
		if p.to == o {
			ret = append(ret, p)
		}
	}
	return
}

func (r *recorder) reset() {
	r.packets = nil
}

func TestSelfInitializing_ScenarioC(t *testing.T) {
	ctx := context.Background()
	a := testAuthority(t)
	s := NewSelfInitializing()
	out := &recorder{}
	x, y := uuid.New(), uuid.New()

	rx := testReplica(t, false)
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	require.Len(t, out.to(x), 1)
	require.NoError(t, rx.Receive(out.packets[0].lit, out.packets[0].body))
	assert.True(t, s.Known(x))
	out.reset()

	require.NoError(t, a.Set("health", 7))
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x, y}, out))

	toX, toY := out.to(x), out.to(y)
	require.Len(t, toX, 1)
	require.Len(t, toY, 1)
	assert.Equal(t, LitUpdate, toX[0].lit)
	assert.Equal(t, LitInit, toY[0].lit)
	assert.Equal(t, byte(0x01), toX[0].body[0], "delta bitmap with bit 0")

	var chx changes
	rx.Listen(&chx)
	require.NoError(t, rx.Receive(toX[0].lit, toX[0].body))
	assert.Equal(t, []string{"health"}, chx.last())
	assert.Equal(t, 7, rx.ByName("health").Value())

	ry := testReplica(t, false)
	var chy changes
	ry.Listen(&chy)
	require.NoError(t, ry.Receive(toY[0].lit, toY[0].body))
	assert.Equal(t, map[string]any{"health": 7, "name": "bob"}, values(ry))
	assert.Equal(t, []string{"health", "name"}, chy.last())
	assert.Equal(t, 2, s.KnownCount())
}

func TestSelfInitializing_QuietCycle(t *testing.T) {
	ctx := context.Background()
	a := testAuthority(t)
	s := NewSelfInitializing()
	out := &recorder{}
	x := uuid.New()

	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	out.reset()
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	assert.Empty(t, out.packets, "known observer, nothing changed")

	// changes made with nobody watching are not replayed later
	require.NoError(t, a.Set("name", "eve"))
	require.NoError(t, s.SendUpdates(ctx, a, nil, out))
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	assert.Empty(t, out.packets)
}

func TestSelfInitializing_Forget(t *testing.T) {
	ctx := context.Background()
	a := testAuthority(t)
	s := NewSelfInitializing()
	out := &recorder{}
	x := uuid.New()

	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	s.Forget(x)
	assert.False(t, s.Known(x))
	assert.Equal(t, 0, s.KnownCount())

	out.reset()
	require.NoError(t, a.Set("health", 1))
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	require.Len(t, out.packets, 1)
	r := testReplica(t, true)
	require.NoError(t, r.OnSnapshot(out.packets[0].body), "a returning observer gets a snapshot")
	assert.Equal(t, 1, r.ByName("health").Value())
}

func TestSelfInitializing_NewAuthorityReinitializes(t *testing.T) {
	ctx := context.Background()
	out := &recorder{}
	x := uuid.New()
	r := testReplica(t, false)

	require.NoError(t, NewSelfInitializing().SendUpdates(ctx, testAuthority(t), []ObserverID{x}, out))
	require.NoError(t, r.Receive(out.packets[0].lit, out.packets[0].body))
	assert.Equal(t, map[string]any{"health": 10, "name": "bob"}, values(r))
	out.reset()

	// the owner is hosted anew, the replica keeps its state
	a := NewAuthority(AuthorityOptions{Name: t.Name(), Log: utils.Discard()})
	_, err := a.Register("health", 42)
	require.NoError(t, err)
	_, err = a.Register("name", "alice")
	require.NoError(t, err)
	_, err = a.Register("mana", 3)
	require.NoError(t, err)
	require.NoError(t, NewSelfInitializing().SendUpdates(ctx, a, []ObserverID{x}, out))
	require.Len(t, out.packets, 1)
	assert.Equal(t, LitInit, out.packets[0].lit)

	var ch changes
	r.Listen(&ch)
	require.NoError(t, r.Receive(out.packets[0].lit, out.packets[0].body))
	assert.Equal(t, map[string]any{"health": 42, "name": "alice", "mana": 3}, values(r))
	assert.Equal(t, []string{"health", "name", "mana"}, ch.last())
}

func TestSelfInitializing_SendFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	a := testAuthority(t)
	s := NewSelfInitializing()
	x := uuid.New()
	out := &recorder{fail: map[ObserverID]bool{x: true}}

	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	assert.Empty(t, out.packets)
	assert.True(t, s.Known(x))
}

func TestSeparateInitialization(t *testing.T) {
	ctx := context.Background()
	a := testAuthority(t)
	var s SeparateInitialization
	out := &recorder{}
	x, y := uuid.New(), uuid.New()

	require.NoError(t, a.Set("health", 5))
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x}, out))
	assert.Empty(t, out.packets, "not sealed yet")
	assert.True(t, a.FieldByName("health").Dirty(), "changes wait for the seal")

	rx := NewReplica(ReplicaOptions{Strict: true})
	require.NoError(t, s.Initialize(ctx, a, x, out))
	require.Len(t, out.packets, 1)
	assert.Equal(t, LitInit, out.packets[0].lit)
	require.NoError(t, rx.Receive(LitInit, out.packets[0].body))
	assert.Equal(t, 5, rx.ByName("health").Value())
	out.reset()

	require.NoError(t, a.Set("name", "zed"))
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x, y}, out))
	require.Len(t, out.packets, 2)
	assert.Equal(t, out.packets[0].body, out.packets[1].body, "one delta for everybody")
	assert.Equal(t, byte(0x03), out.packets[0].body[0], "health was still dirty")

	require.NoError(t, rx.Receive(LitUpdate, out.to(x)[0].body))
	assert.Equal(t, "zed", rx.ByName("name").Value())

	ry := NewReplica(ReplicaOptions{Strict: true})
	assert.ErrorIs(t, ry.Receive(LitUpdate, out.to(y)[0].body), ErrNotInitialized)

	out.reset()
	require.NoError(t, s.SendUpdates(ctx, a, []ObserverID{x, y}, out))
	assert.Empty(t, out.packets)
}

func TestStrategiesShareTheInterface(t *testing.T) {
	var _ Strategy = SeparateInitialization{}
	var _ Strategy = NewSelfInitializing()
	var zero SelfInitializing
	require.NoError(t, zero.SendUpdates(context.Background(), testAuthority(t), []ObserverID{uuid.New()}, &recorder{}))
	assert.Equal(t, 1, zero.KnownCount())
}
