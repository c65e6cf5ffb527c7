// Package node hosts sync map owners and replicas in one process and links
// them to other nodes over TCP or TLS.
//
// All owners live on a single simulation goroutine. Every tick it applies
// the inbound packets queued per owner, then runs the update strategy of
// each hosted owner over the peers watching it. Everything else reaches
// the owners by posting a command to that goroutine.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/syncmap"
	"github.com/drpcorg/syncmap/protocol"
	"github.com/drpcorg/syncmap/routing"
	"github.com/drpcorg/syncmap/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrClosed      = errors.New("node: closed")
	ErrNotRunning  = errors.New("node: simulation loop is not running")
	ErrHosted      = errors.New("node: owner is hosted already")
	ErrNotHosted   = errors.New("node: owner is not hosted")
	ErrNotWatched  = errors.New("node: owner is not watched")
	ErrUnknownPeer = errors.New("node: unknown peer")
)

// initializer is a strategy that wants to know when an observer arrives.
type initializer interface {
	Initialize(ctx context.Context, a *syncmap.Authority, observer syncmap.ObserverID, out syncmap.Sender) error
}

// forgetter is a strategy that keeps per-observer state.
type forgetter interface {
	Forget(observer syncmap.ObserverID)
}

type hosted struct {
	addr     routing.Address
	auth     *syncmap.Authority
	strategy syncmap.Strategy
	out      routing.Outbox
}

type command func(ctx context.Context)

type Node struct {
	opts   Options
	log    utils.Logger
	net    *protocol.Net
	router *routing.Router
	inbox  *routing.Inbox

	peers *xsync.MapOf[string, *Peer]
	byID  *xsync.MapOf[syncmap.ObserverID, *Peer]

	// peer name -> owners watched on it, replayed on reconnect
	subsLock sync.Mutex
	subs     map[string]map[string]routing.Address

	commands chan command
	running  atomic.Bool
	closed   atomic.Bool
	stop     context.CancelFunc
	done     chan struct{}

	// simulation goroutine only
	hosted   map[string]*hosted
	watchers map[string]map[syncmap.ObserverID]struct{}
	replicas map[string]*syncmap.Replica
}

func New(opts Options) *Node {
	opts.SetDefaults()
	n := &Node{
		opts:     opts,
		log:      opts.Log,
		peers:    xsync.NewMapOf[string, *Peer](),
		byID:     xsync.NewMapOf[syncmap.ObserverID, *Peer](),
		subs:     make(map[string]map[string]routing.Address),
		commands: make(chan command, 256),
		done:     make(chan struct{}),
		hosted:   make(map[string]*hosted),
		watchers: make(map[string]map[syncmap.ObserverID]struct{}),
		replicas: make(map[string]*syncmap.Replica),
	}
	n.router = routing.NewRouter(routing.RouterOptions{Log: opts.Log, CacheSize: opts.CacheSize})
	resolver := routing.ResolverFunc(n.resolveReplica)
	_ = n.router.Handle(routing.EntityKind, routing.ParseEntity, resolver)
	_ = n.router.Handle(routing.BlockKind, routing.ParseBlock, resolver)
	n.inbox = routing.NewInbox(n.router)

	n.net = protocol.NewNet(protocol.NetOptions{
		Log:          opts.Log,
		TLSConfig:    opts.TLSConfig,
		WriteTimeout: opts.WriteTimeout,
	}, n.install, n.destroy)
	return n
}

// Router accepts more owner kinds; register them before Start.
func (n *Node) Router() *routing.Router {
	return n.router
}

// Start runs the simulation goroutine until ctx ends or Close.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, n.stop = context.WithCancel(utils.WithDefaultArgs(ctx, "node", n.opts.Name))
	go n.loop(ctx)
	return nil
}

func (n *Node) loop(ctx context.Context) {
	defer close(n.done)
	ticker := time.NewTicker(n.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-n.commands:
			cmd(ctx)
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

func (n *Node) tick(ctx context.Context) {
	start := time.Now()
	applied := n.inbox.Process()
	for key, h := range n.hosted {
		observers := n.observers(key)
		if err := h.strategy.SendUpdates(ctx, h.auth, observers, h.out); err != nil {
			n.log.ErrorCtx(ctx, "node: send updates", "owner", key, "err", err)
		}
	}
	PacketsApplied.Add(float64(applied))
	TickDuration.Observe(time.Since(start).Seconds())
}

// observers of the owner in a stable order
func (n *Node) observers(key string) []syncmap.ObserverID {
	set := n.watchers[key]
	ids := make([]syncmap.ObserverID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b syncmap.ObserverID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}

func (n *Node) post(ctx context.Context, cmd command) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	select {
	case n.commands <- cmd:
		return nil
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the simulation goroutine and waits for it. Calling it
// from the simulation goroutine deadlocks.
func (n *Node) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	err := n.post(ctx, func(ctx context.Context) {
		res <- fn(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case err = <-res:
		return err
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs a simulation step right away, without waiting for the ticker.
func (n *Node) Tick(ctx context.Context) error {
	return n.Do(ctx, func(ctx context.Context) error {
		n.tick(ctx)
		return nil
	})
}

// Host makes the node the authority of an owner. A nil strategy means
// SelfInitializing. With a store, previously saved values are loaded.
// Observers that asked for the owner before it was hosted get it now.
func (n *Node) Host(ctx context.Context, addr routing.Address, a *syncmap.Authority, strategy syncmap.Strategy) error {
	if strategy == nil {
		strategy = syncmap.NewSelfInitializing()
	}
	return n.Do(ctx, func(ctx context.Context) error {
		key := addr.String()
		if _, ok := n.hosted[key]; ok {
			return fmt.Errorf("%w: %s", ErrHosted, key)
		}
		if n.opts.Store != nil {
			if err := n.opts.Store.Load(key, a); err != nil {
				return err
			}
		}
		h := &hosted{
			addr:     addr,
			auth:     a,
			strategy: strategy,
			out:      routing.Outbox{Addr: addr, Transport: n},
		}
		n.hosted[key] = h
		for _, o := range n.observers(key) {
			n.initialize(ctx, h, o)
		}
		n.log.InfoCtx(ctx, "node: hosting", "owner", key, "fields", a.Len())
		return nil
	})
}

// Unhost stops serving the owner, saving it when there is a store.
func (n *Node) Unhost(ctx context.Context, addr routing.Address) error {
	return n.Do(ctx, func(ctx context.Context) error {
		key := addr.String()
		h, ok := n.hosted[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotHosted, key)
		}
		delete(n.hosted, key)
		if n.opts.Store != nil {
			return n.opts.Store.Save(key, h.auth)
		}
		return nil
	})
}

// Mutate runs fn against a hosted authority on the simulation goroutine.
func (n *Node) Mutate(ctx context.Context, addr routing.Address, fn func(a *syncmap.Authority) error) error {
	return n.Do(ctx, func(ctx context.Context) error {
		h, ok := n.hosted[addr.String()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotHosted, addr)
		}
		return fn(h.auth)
	})
}

// View runs fn against the replica of a watched owner on the simulation
// goroutine. The replica must not escape fn.
func (n *Node) View(ctx context.Context, addr routing.Address, fn func(r *syncmap.Replica) error) error {
	return n.Do(ctx, func(ctx context.Context) error {
		r, ok := n.replicas[addr.String()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotWatched, addr)
		}
		return fn(r)
	})
}

// Watch asks the peer for the owner and creates the local replica. The
// request is repeated whenever the connection is re-established.
func (n *Node) Watch(ctx context.Context, peer string, addr routing.Address) error {
	key := addr.String()
	n.subsLock.Lock()
	if n.subs[peer] == nil {
		n.subs[peer] = make(map[string]routing.Address)
	}
	n.subs[peer][key] = addr
	n.subsLock.Unlock()

	return n.Do(ctx, func(ctx context.Context) error {
		n.replica(addr)
		if p, ok := n.peers.Load(peer); ok {
			return p.sendWatch(ctx, addr, true)
		}
		return nil
	})
}

func (n *Node) Unwatch(ctx context.Context, peer string, addr routing.Address) error {
	key := addr.String()
	n.subsLock.Lock()
	_, ok := n.subs[peer][key]
	delete(n.subs[peer], key)
	elsewhere := false
	for _, owners := range n.subs {
		if _, ok := owners[key]; ok {
			elsewhere = true
		}
	}
	n.subsLock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrNotWatched, key, peer)
	}

	return n.Do(ctx, func(ctx context.Context) error {
		if !elsewhere {
			delete(n.replicas, key)
			n.router.Invalidate(addr)
		}
		if p, ok := n.peers.Load(peer); ok {
			return p.sendWatch(ctx, addr, false)
		}
		return nil
	})
}

func (n *Node) replica(addr routing.Address) *syncmap.Replica {
	key := addr.String()
	r, ok := n.replicas[key]
	if !ok {
		r = syncmap.NewReplica(syncmap.ReplicaOptions{
			Name:     key,
			Registry: n.opts.Registry,
			Log:      n.log,
			Strict:   n.opts.Strict,
		})
		n.replicas[key] = r
	}
	return r
}

func (n *Node) resolveReplica(addr routing.Address) (routing.Target, bool) {
	r, ok := n.replicas[addr.String()]
	if !ok {
		return nil, false
	}
	return r, true
}

func (n *Node) setWatcher(ctx context.Context, addr routing.Address, observer syncmap.ObserverID, watch bool) {
	key := addr.String()
	if _, ok := n.byID.Load(observer); !ok {
		return // gone already
	}
	set := n.watchers[key]
	if watch {
		if _, ok := set[observer]; ok {
			return
		}
		if set == nil {
			set = make(map[syncmap.ObserverID]struct{})
			n.watchers[key] = set
		}
		set[observer] = struct{}{}
		n.log.DebugCtx(ctx, "node: watch", "owner", key, "observer", observer)
		if h, ok := n.hosted[key]; ok {
			n.initialize(ctx, h, observer)
		}
		return
	}
	n.dropWatcher(key, observer)
}

func (n *Node) initialize(ctx context.Context, h *hosted, observer syncmap.ObserverID) {
	in, ok := h.strategy.(initializer)
	if !ok {
		return
	}
	if err := in.Initialize(ctx, h.auth, observer, h.out); err != nil {
		n.log.ErrorCtx(ctx, "node: initialize observer", "owner", h.addr.String(), "observer", observer, "err", err)
	}
}

func (n *Node) dropWatcher(key string, observer syncmap.ObserverID) {
	set, ok := n.watchers[key]
	if !ok {
		return
	}
	delete(set, observer)
	if len(set) == 0 {
		delete(n.watchers, key)
	}
	if h, ok := n.hosted[key]; ok {
		if f, ok := h.strategy.(forgetter); ok {
			f.Forget(observer)
		}
	}
}

// SendTo implements routing.Transport.
func (n *Node) SendTo(ctx context.Context, observer syncmap.ObserverID, packet []byte) error {
	p, ok := n.byID.Load(observer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, observer)
	}
	return p.send(ctx, protocol.Record(LitPacket, packet))
}

func (n *Node) install(name string) protocol.Link {
	p := &Peer{
		id:   uuid.Must(uuid.NewV7()),
		name: name,
		node: n,
		out:  utils.NewFDQueue[protocol.Records](n.opts.QueueLimit, n.opts.QueueTimeout, n.opts.BatchSize),
	}
	n.peers.Store(name, p)
	n.byID.Store(p.id, p)
	PeersConnected.Inc()
	n.log.Info("node: peer installed", "peer", name, "observer", p.id)

	n.subsLock.Lock()
	var owners []routing.Address
	for _, addr := range n.subs[name] {
		owners = append(owners, addr)
	}
	n.subsLock.Unlock()
	if len(owners) == 0 {
		return p
	}
	// the authority sends everything anew, replicas start over
	err := n.post(context.Background(), func(ctx context.Context) {
		for _, addr := range owners {
			n.replica(addr).Reset()
			if err := p.sendWatch(ctx, addr, true); err != nil {
				n.log.WarnCtx(ctx, "node: couldn't repeat watch", "peer", name, "owner", addr.String(), "err", err)
			}
		}
	})
	if err != nil {
		n.log.Warn("node: couldn't repeat watches", "peer", name, "err", err)
	}
	return p
}

func (n *Node) destroy(name string, _ protocol.Link) {
	p, ok := n.peers.LoadAndDelete(name)
	if !ok {
		return
	}
	n.byID.Delete(p.id)
	_ = p.Close()
	PeersConnected.Dec()
	n.log.Info("node: peer gone", "peer", name, "observer", p.id)

	_ = n.post(context.Background(), func(ctx context.Context) {
		for key := range n.watchers {
			n.dropWatcher(key, p.id)
		}
	})
}

func (n *Node) Listen(ctx context.Context, addr string) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	return n.net.Listen(ctx, addr)
}

func (n *Node) Unlisten(addr string) error {
	return n.net.Unlisten(addr)
}

// Connect dials addr and keeps redialing; the peer is named by addr.
func (n *Node) Connect(ctx context.Context, addr string) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	return n.net.Connect(ctx, addr)
}

func (n *Node) Disconnect(name string) error {
	return n.net.Disconnect(name)
}

// Peers lists the live connections by name.
func (n *Node) Peers() (names []string) {
	n.peers.Range(func(name string, _ *Peer) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return
}

// Hosted lists the addresses of hosted owners.
func (n *Node) Hosted(ctx context.Context) (keys []string, err error) {
	err = n.Do(ctx, func(context.Context) error {
		for key := range n.hosted {
			keys = append(keys, key)
		}
		return nil
	})
	slices.Sort(keys)
	return
}

// Close drops the connections, saves the hosted owners and stops the
// simulation goroutine.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	errs := []error{n.net.Close()}
	if n.running.Load() {
		if n.opts.Store != nil {
			errs = append(errs, n.Do(context.Background(), func(context.Context) error {
				var errs []error
				for key, h := range n.hosted {
					errs = append(errs, n.opts.Store.Save(key, h.auth))
				}
				return errors.Join(errs...)
			}))
		}
		n.stop()
		<-n.done
	}
	return errors.Join(errs...)
}
