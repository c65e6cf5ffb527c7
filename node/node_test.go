package node

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/drpcorg/syncmap"
	"github.com/drpcorg/syncmap/routing"
	"github.com/drpcorg/syncmap/store"
	"github.com/drpcorg/syncmap/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const pollEvery = 5 * time.Millisecond

func testNode(t *testing.T, name string, opts Options) *Node {
	opts.Name = name
	opts.Log = utils.Discard()
	opts.TickInterval = 5 * time.Millisecond
	opts.QueueTimeout = 20 * time.Millisecond
	opts.BatchSize = 1
	n := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		_ = n.Close()
		cancel()
	})
	return n
}

func pump(ctx context.Context, from, to *Peer) {
	for ctx.Err() == nil {
		recs, err := from.Feed(ctx)
		if err != nil {
			return
		}
		if len(recs) > 0 && to.Drain(ctx, recs) != nil {
			return
		}
	}
}

// link connects two nodes in memory, as the network would.
func link(t *testing.T, a *Node, aName string, b *Node, bName string) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pa := a.install(bName).(*Peer)
	pb := b.install(aName).(*Peer)
	go pump(ctx, pa, pb)
	go pump(ctx, pb, pa)
}

func player(t *testing.T) *syncmap.Authority {
	a := syncmap.NewAuthority(syncmap.AuthorityOptions{Name: "player", Log: utils.Discard()})
	_, err := a.Register("health", 10)
	require.NoError(t, err)
	_, err = a.Register("name", "bob")
	require.NoError(t, err)
	return a
}

func replicaValues(t *testing.T, n *Node, addr routing.Address) map[string]any {
	ret := map[string]any{}
	err := n.View(context.Background(), addr, func(r *syncmap.Replica) error {
		for _, f := range r.Fields() {
			ret[f.Name()] = f.Value()
		}
		return nil
	})
	assert.NoError(t, err)
	return ret
}

func awaitValues(t *testing.T, n *Node, addr routing.Address, want map[string]any) {
	require.Eventually(t, func() bool {
		got := replicaValues(t, n, addr)
		for k, v := range want {
			if got[k] != v {
				return false
			}
		}
		return true
	}, waitFor, pollEvery)
}

func watcherCount(t *testing.T, n *Node, addr routing.Address) (count int) {
	assert.NoError(t, n.Do(context.Background(), func(context.Context) error {
		count = len(n.watchers[addr.String()])
		return nil
	}))
	return
}

func TestNode_SelfInitializing(t *testing.T) {
	ctx := context.Background()
	server := testNode(t, "server", Options{})
	client := testNode(t, "client", Options{})
	addr := routing.EntityAddress{ID: 7}

	require.NoError(t, server.Host(ctx, addr, player(t), nil))
	link(t, server, "client", client, "server")
	require.NoError(t, client.Watch(ctx, "server", addr))
	awaitValues(t, client, addr, map[string]any{"health": 10, "name": "bob"})

	require.NoError(t, server.Mutate(ctx, addr, func(a *syncmap.Authority) error {
		return a.Set("health", 7)
	}))
	awaitValues(t, client, addr, map[string]any{"health": 7, "name": "bob"})
	assert.Equal(t, 1, watcherCount(t, server, addr))
	assert.Equal(t, []string{"client"}, server.Peers())
}

func TestNode_Rehost(t *testing.T) {
	ctx := context.Background()
	server := testNode(t, "server", Options{})
	client := testNode(t, "client", Options{})
	addr := routing.EntityAddress{ID: 11}

	require.NoError(t, server.Host(ctx, addr, player(t), nil))
	link(t, server, "client", client, "server")
	require.NoError(t, client.Watch(ctx, "server", addr))
	awaitValues(t, client, addr, map[string]any{"health": 10, "name": "bob"})

	require.NoError(t, server.Unhost(ctx, addr))
	assert.Equal(t, 1, watcherCount(t, server, addr), "the watch outlives the owner")

	again := syncmap.NewAuthority(syncmap.AuthorityOptions{Name: "player", Log: utils.Discard()})
	_, err := again.Register("name", "alice")
	require.NoError(t, err)
	_, err = again.Register("health", 42)
	require.NoError(t, err)
	require.NoError(t, server.Host(ctx, addr, again, nil))
	awaitValues(t, client, addr, map[string]any{"health": 42, "name": "alice"})

	require.NoError(t, server.Mutate(ctx, addr, func(a *syncmap.Authority) error {
		return a.Set("health", 41)
	}))
	awaitValues(t, client, addr, map[string]any{"health": 41, "name": "alice"})
	require.NoError(t, client.View(ctx, addr, func(r *syncmap.Replica) error {
		assert.Equal(t, 2, r.Len())
		id, ok := r.ByName("health").ID()
		assert.True(t, ok)
		assert.Equal(t, syncmap.FieldID(1), id)
		return nil
	}))
}

func TestNode_SeparateInitializationStrict(t *testing.T) {
	ctx := context.Background()
	server := testNode(t, "server", Options{})
	client := testNode(t, "client", Options{Strict: true})
	addr := routing.BlockAddress{X: 1, Y: -2, Z: 3}

	link(t, server, "client", client, "server")
	// the request comes before the owner is hosted
	require.NoError(t, client.Watch(ctx, "server", addr))
	require.Eventually(t, func() bool {
		return watcherCount(t, server, addr) == 1
	}, waitFor, pollEvery)

	require.NoError(t, server.Host(ctx, addr, player(t), syncmap.SeparateInitialization{}))
	awaitValues(t, client, addr, map[string]any{"health": 10, "name": "bob"})

	var changed []string
	require.NoError(t, client.View(ctx, addr, func(r *syncmap.Replica) error {
		r.Listen(syncmap.ListenerFunc(func(_ *syncmap.Replica, fields []*syncmap.ReplicaField) {
			for _, f := range fields {
				changed = append(changed, f.Name())
			}
		}))
		return nil
	}))
	require.NoError(t, server.Mutate(ctx, addr, func(a *syncmap.Authority) error {
		return a.Set("name", "alice")
	}))
	awaitValues(t, client, addr, map[string]any{"name": "alice"})
	require.NoError(t, client.View(ctx, addr, func(*syncmap.Replica) error {
		assert.Equal(t, []string{"name"}, changed)
		return nil
	}))
}

func TestNode_DisconnectForgets(t *testing.T) {
	ctx := context.Background()
	server := testNode(t, "server", Options{})
	client := testNode(t, "client", Options{})
	addr := routing.EntityAddress{ID: 1}
	strategy := syncmap.NewSelfInitializing()

	require.NoError(t, server.Host(ctx, addr, player(t), strategy))
	link(t, server, "client", client, "server")
	require.NoError(t, client.Watch(ctx, "server", addr))
	awaitValues(t, client, addr, map[string]any{"health": 10})

	server.destroy("client", nil)
	client.destroy("server", nil)
	require.Eventually(t, func() bool {
		known := 0
		_ = server.Do(ctx, func(context.Context) error {
			known = strategy.KnownCount()
			return nil
		})
		return watcherCount(t, server, addr) == 0 && known == 0
	}, waitFor, pollEvery)
	assert.Empty(t, server.Peers())

	require.NoError(t, server.Mutate(ctx, addr, func(a *syncmap.Authority) error {
		return a.Set("health", 1)
	}))
	// the watch is repeated on reconnect and the replica starts over
	link(t, server, "client", client, "server")
	awaitValues(t, client, addr, map[string]any{"health": 1, "name": "bob"})
	require.Eventually(t, func() bool {
		return watcherCount(t, server, addr) == 1
	}, waitFor, pollEvery)
}

func TestNode_Unwatch(t *testing.T) {
	ctx := context.Background()
	server := testNode(t, "server", Options{})
	client := testNode(t, "client", Options{})
	addr := routing.EntityAddress{ID: 5}

	require.NoError(t, server.Host(ctx, addr, player(t), nil))
	link(t, server, "client", client, "server")
	require.NoError(t, client.Watch(ctx, "server", addr))
	awaitValues(t, client, addr, map[string]any{"health": 10})

	require.NoError(t, client.Unwatch(ctx, "server", addr))
	assert.ErrorIs(t, client.View(ctx, addr, func(*syncmap.Replica) error { return nil }), ErrNotWatched)
	require.Eventually(t, func() bool {
		return watcherCount(t, server, addr) == 0
	}, waitFor, pollEvery)
	assert.ErrorIs(t, client.Unwatch(ctx, "server", addr), ErrNotWatched)
}

func TestNode_Errors(t *testing.T) {
	ctx := context.Background()
	addr := routing.EntityAddress{ID: 3}

	idle := New(Options{Log: utils.Discard()})
	assert.ErrorIs(t, idle.Host(ctx, addr, player(t), nil), ErrNotRunning)
	assert.ErrorIs(t, idle.Listen(ctx, "tcp://127.0.0.1:0"), ErrNotRunning)
	require.NoError(t, idle.Close())
	assert.ErrorIs(t, idle.Close(), ErrClosed)
	assert.ErrorIs(t, idle.Start(ctx), ErrClosed)

	n := testNode(t, "n", Options{})
	require.NoError(t, n.Host(ctx, addr, player(t), nil))
	assert.ErrorIs(t, n.Host(ctx, addr, player(t), nil), ErrHosted)
	assert.ErrorIs(t, n.Mutate(ctx, routing.EntityAddress{ID: 4}, nil), ErrNotHosted)
	assert.ErrorIs(t, n.Unhost(ctx, routing.EntityAddress{ID: 4}), ErrNotHosted)
	assert.ErrorIs(t, n.SendTo(ctx, syncmap.ObserverID{}, nil), ErrUnknownPeer)

	hosted, err := n.Hosted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"entity:3"}, hosted)

	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Tick(ctx), ErrClosed)
}

func TestNode_Store(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open("node-test", store.Options{
		Options: pebble.Options{FS: vfs.NewMem()},
		Log:     utils.Discard(),
		NoSync:  true,
	})
	require.NoError(t, err)
	defer st.Close()

	n := testNode(t, "n", Options{Store: st})
	addr := routing.EntityAddress{ID: 9}
	require.NoError(t, n.Host(ctx, addr, player(t), nil))
	require.NoError(t, n.Mutate(ctx, addr, func(a *syncmap.Authority) error {
		return a.Set("health", 3)
	}))
	require.NoError(t, n.Unhost(ctx, addr))

	require.NoError(t, n.Host(ctx, addr, player(t), nil))
	require.NoError(t, n.Mutate(ctx, addr, func(a *syncmap.Authority) error {
		v, _ := a.Get("health")
		assert.Equal(t, 3, v)
		return nil
	}))
}
