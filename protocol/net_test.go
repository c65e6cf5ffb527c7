package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/syncmap/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLink keeps what the socket delivered apart from what it sends
type testLink struct {
	in, out *utils.FDQueue[Records]
	name    string
}

func (l *testLink) Feed(ctx context.Context) (Records, error) {
	return l.out.Feed(ctx)
}

func (l *testLink) Drain(ctx context.Context, recs Records) error {
	return l.in.Drain(ctx, recs)
}

func (l *testLink) Close() error {
	return errors.Join(l.in.Close(), l.out.Close())
}

func (l *testLink) GetTraceId() string {
	return l.name
}

// links records the links made by a Net, by peer name
type links struct {
	sync.Mutex
	byName    map[string]*testLink
	destroyed []string
}

func (ls *links) install(name string) Link {
	ls.Lock()
	defer ls.Unlock()
	l := &testLink{
		in:   utils.NewFDQueue[Records](1000, 10*time.Millisecond, 1),
		out:  utils.NewFDQueue[Records](1000, 10*time.Millisecond, 1),
		name: name,
	}
	ls.byName[name] = l
	return l
}

func (ls *links) destroy(name string, _ Link) {
	ls.Lock()
	defer ls.Unlock()
	ls.destroyed = append(ls.destroyed, name)
}

func (ls *links) any() *testLink {
	ls.Lock()
	defer ls.Unlock()
	for _, l := range ls.byName {
		return l
	}
	return nil
}

func newLinks() *links {
	return &links{byName: map[string]*testLink{}}
}

func TestParseAddr(t *testing.T) {
	ct, addr, err := parseAddr("tcp://127.0.0.1:32000")
	require.NoError(t, err)
	assert.Equal(t, TCP, ct)
	assert.Equal(t, "127.0.0.1:32000", addr)

	ct, _, err = parseAddr("tls://localhost:1")
	require.NoError(t, err)
	assert.Equal(t, TLS, ct)

	_, _, err = parseAddr("quic://localhost:1")
	assert.ErrorIs(t, err, ErrAddressInvalid)
}

func TestNet_Echo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := "tcp://127.0.0.1:32017"
	opts := NetOptions{Log: utils.Discard(), WriteTimeout: time.Minute, MinRetry: 10 * time.Millisecond}

	server := newLinks()
	l := NewNet(opts, server.install, server.destroy)
	require.NoError(t, l.Listen(ctx, loop))
	assert.ErrorIs(t, l.Listen(ctx, loop), ErrAddressDuplicated)

	client := newLinks()
	c := NewNet(opts, client.install, client.destroy)
	require.NoError(t, c.Connect(ctx, loop))
	assert.ErrorIs(t, c.Connect(ctx, loop), ErrAddressDuplicated)
	assert.ErrorIs(t, c.Connect(ctx, "quic://localhost:1"), ErrAddressInvalid)

	require.Eventually(t, func() bool {
		return len(c.Peers()) == 1 && client.any() != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{loop}, c.Peers())

	out := client.any()
	require.NoError(t, out.out.Drain(ctx, Records{Record('P', []byte("Hi there"))}))

	var recs Records
	require.Eventually(t, func() bool {
		in := server.any()
		if in == nil {
			return false
		}
		recs, _ = in.in.Feed(ctx)
		return len(recs) > 0
	}, 5*time.Second, 10*time.Millisecond)

	lit, body, rest, err := TakeAnyWary(recs[0])
	require.NoError(t, err)
	assert.Equal(t, uint8('P'), lit)
	assert.Equal(t, "Hi there", string(body))
	assert.Empty(t, rest)

	assert.ErrorIs(t, c.Disconnect("nobody"), ErrAddressUnknown)
	require.NoError(t, c.Disconnect(loop))
	assert.Empty(t, c.Peers())
	require.Eventually(t, func() bool {
		client.Lock()
		defer client.Unlock()
		return len(client.destroyed) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Unlisten(loop), ErrAddressUnknown)
}
