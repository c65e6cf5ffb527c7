package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/syncmap/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

const (
	TCP ConnType = iota + 1
	TLS
)

const TYPICAL_MTU = 1500

// InstallCallback makes the link of a new connection; the name is unique
// among live connections.
type InstallCallback func(name string) Link

// DestroyCallback is called once the connection is gone.
type DestroyCallback func(name string, link Link)

type NetOptions struct {
	Log          utils.Logger
	TLSConfig    *tls.Config
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	// redial backoff, doubling from MinRetry up to MaxRetry
	MinRetry time.Duration
	MaxRetry time.Duration
}

func (o *NetOptions) SetDefaults() {
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.MinRetry == 0 {
		o.MinRetry = time.Second / 2
	}
	if o.MaxRetry == 0 {
		o.MaxRetry = time.Minute
	}
}

// Net keeps TCP/TLS connections. Each one has its own link, so a slow
// peer only backs up its own queue. Dialed connections are redialed
// with backoff until Disconnect or Close.
type Net struct {
	opts    NetOptions
	install InstallCallback
	destroy DestroyCallback

	closed atomic.Bool
	wg     sync.WaitGroup
	// a nil conn reserves the name of a peer being dialed
	conns     *xsync.MapOf[string, *conn]
	listeners *xsync.MapOf[string, net.Listener]
}

func NewNet(opts NetOptions, install InstallCallback, destroy DestroyCallback) *Net {
	opts.SetDefaults()
	return &Net{
		opts:      opts,
		install:   install,
		destroy:   destroy,
		conns:     xsync.NewMapOf[string, *conn](),
		listeners: xsync.NewMapOf[string, net.Listener](),
	}
}

func (n *Net) Listen(ctx context.Context, addr string) error {
	if _, loaded := n.listeners.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	l, err := n.listen(ctx, addr)
	if err != nil {
		n.listeners.Delete(addr)
		return err
	}
	n.listeners.Store(addr, l)
	n.opts.Log.InfoCtx(ctx, "net: listening", "addr", addr, "local", l.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.accept(ctx, addr, l)
	}()
	return nil
}

func (n *Net) Unlisten(addr string) error {
	l, ok := n.listeners.LoadAndDelete(addr)
	if !ok {
		return ErrAddressUnknown
	}
	if l == nil {
		return nil
	}
	return l.Close()
}

// Connect dials addr and names the peer by it.
func (n *Net) Connect(ctx context.Context, addr string) error {
	if _, _, err := parseAddr(addr); err != nil {
		return err
	}
	if _, loaded := n.conns.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redial(ctx, addr)
	}()
	return nil
}

func (n *Net) Disconnect(name string) error {
	c, ok := n.conns.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	if c != nil {
		c.close()
	}
	return nil
}

// Peers lists the names of live connections.
func (n *Net) Peers() (names []string) {
	n.conns.Range(func(name string, c *conn) bool {
		if c != nil {
			names = append(names, name)
		}
		return true
	})
	return
}

func (n *Net) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	n.listeners.Range(func(addr string, l net.Listener) bool {
		if l != nil {
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			}
		}
		return true
	})
	n.listeners.Clear()

	var live []*conn
	n.conns.Range(func(_ string, c *conn) bool {
		if c != nil {
			live = append(live, c)
		}
		return true
	})
	n.conns.Clear()
	for _, c := range live {
		c.close()
	}
	n.wg.Wait()
	return errors.Join(errs...)
}

func (n *Net) redial(ctx context.Context, name string) {
	ctx = utils.WithDefaultArgs(ctx, "peer", name)
	backoff := n.opts.MinRetry
	for !n.closed.Load() && ctx.Err() == nil {
		if _, ok := n.conns.Load(name); !ok {
			return
		}
		raw, err := n.dial(ctx, name)
		if err != nil {
			DialFailures.Inc()
			n.opts.Log.WarnCtx(ctx, "net: couldn't connect", "err", err, "retry", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff = min(n.opts.MaxRetry, backoff*2)
			continue
		}
		backoff = n.opts.MinRetry
		n.opts.Log.InfoCtx(ctx, "net: connected")
		n.serve(ctx, name, raw, true)
	}
}

func (n *Net) accept(ctx context.Context, addr string, l net.Listener) {
	for !n.closed.Load() && ctx.Err() == nil {
		raw, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// the remote end redials
			n.opts.Log.WarnCtx(ctx, "net: couldn't accept", "addr", addr, "err", err)
			continue
		}
		name := fmt.Sprintf("in:%s/%s", raw.RemoteAddr(), uuid.Must(uuid.NewV7()))
		n.opts.Log.InfoCtx(ctx, "net: accepted", "addr", addr, "peer", name)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serve(ctx, name, raw, false)
		}()
	}
	n.listeners.Compute(addr, func(old net.Listener, loaded bool) (net.Listener, bool) {
		return old, !loaded || old == l
	})
	n.opts.Log.InfoCtx(ctx, "net: listener closed", "addr", addr)
}

func (n *Net) serve(ctx context.Context, name string, raw net.Conn, dialed bool) {
	c := newConn(name, raw, n.opts.WriteTimeout)
	// a dialed peer may have been disconnected while dialing
	kept := true
	n.conns.Compute(name, func(_ *conn, loaded bool) (*conn, bool) {
		kept = loaded || !dialed
		return c, !kept
	})
	if !kept || n.closed.Load() {
		n.conns.Delete(name)
		_ = raw.Close()
		return
	}
	c.link = n.install(name)
	ConnsOpen.Inc()

	err := c.run(ctx)
	ConnsOpen.Dec()
	if err != nil {
		n.opts.Log.WarnCtx(ctx, "net: connection failed", "peer", name, "err", err, "trace_id", c.GetTraceId())
	} else {
		n.opts.Log.InfoCtx(ctx, "net: connection closed", "peer", name, "trace_id", c.GetTraceId())
	}

	// a dialed name stays reserved for the next attempt unless
	// Disconnect dropped it meanwhile
	n.conns.Compute(name, func(old *conn, loaded bool) (*conn, bool) {
		if !loaded || old != c {
			return old, !loaded
		}
		return nil, !dialed
	})
	n.destroy(name, c.link)
}

func (n *Net) listen(ctx context.Context, addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	var config net.ListenConfig
	l, err := config.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		l = tls.NewListener(l, n.opts.TLSConfig)
	}
	return l, nil
}

func (n *Net) dial(ctx context.Context, addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: n.opts.DialTimeout}
	if connType == TLS {
		td := tls.Dialer{NetDialer: &d, Config: n.opts.TLSConfig}
		return td.DialContext(ctx, "tcp", address)
	}
	return d.DialContext(ctx, "tcp", address)
}

// parseAddr reads tcp://host:port or tls://host:port.
func parseAddr(addr string) (ConnType, string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", fmt.Errorf("%w: %w", ErrAddressInvalid, err)
	}
	var ct ConnType
	switch u.Scheme {
	case "", "tcp", "tcp4", "tcp6":
		ct = TCP
	case "tls":
		ct = TLS
	default:
		return ct, addr, fmt.Errorf("%w: scheme %q", ErrAddressInvalid, u.Scheme)
	}
	u.Scheme = ""
	return ct, strings.TrimPrefix(u.String(), "//"), nil
}
