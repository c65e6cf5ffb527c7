package routing

import (
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	dropMalformed  = "malformed"
	dropUnknown    = "unknown_kind"
	dropUnresolved = "unresolved"
	dropRejected   = "rejected"
)

// Inbox moves packets from the receive goroutines to the simulation
// thread. Packets queue per owner in arrival order; nothing touches an
// owner until Process.
type Inbox struct {
	router  *Router
	queues  *xsync.MapOf[string, []Packet]
	pending atomic.Int64
}

func NewInbox(router *Router) *Inbox {
	return &Inbox{
		router: router,
		queues: xsync.NewMapOf[string, []Packet](),
	}
}

// Deliver parses the packet and queues it. Safe for concurrent use.
// Malformed packets and unknown kinds are dropped here.
func (in *Inbox) Deliver(packet []byte) error {
	p, err := in.router.Parse(packet)
	if err != nil {
		reason := dropMalformed
		if errors.Is(err, ErrUnknownKind) {
			reason = dropUnknown
		}
		in.router.Logger().Warn("routing: packet dropped", "reason", reason, "err", err)
		PacketsDropped.WithLabelValues(reason).Inc()
		return err
	}
	in.queues.Compute(p.key, func(q []Packet, _ bool) ([]Packet, bool) {
		return append(q, p), false
	})
	in.pending.Add(1)
	InboxDepth.Inc()
	return nil
}

// Pending is the number of queued packets.
func (in *Inbox) Pending() int {
	return int(in.pending.Load())
}

// Process applies the queued packets, owner by owner. Must run on the
// simulation thread. Packets of owners that are not loaded are dropped.
func (in *Inbox) Process() (applied int) {
	var keys []string
	in.queues.Range(func(key string, _ []Packet) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		q, ok := in.queues.LoadAndDelete(key)
		if !ok || len(q) == 0 {
			continue
		}
		in.pending.Add(-int64(len(q)))
		InboxDepth.Sub(float64(len(q)))

		addr := q[0].Addr
		target, err := in.router.resolve(addr, key)
		if err != nil {
			in.router.Logger().Info("routing: packets dropped", "owner", addr.String(), "count", len(q), "err", err)
			PacketsDropped.WithLabelValues(dropUnresolved).Add(float64(len(q)))
			continue
		}
		for _, p := range q {
			if err := target.Receive(p.Lit, p.Body); err != nil {
				in.router.Logger().Warn("routing: packet rejected", "owner", addr.String(), "lit", string(p.Lit), "err", err)
				PacketsDropped.WithLabelValues(dropRejected).Inc()
				continue
			}
			PacketsRouted.WithLabelValues(addr.Kind().String()).Inc()
			applied++
		}
	}
	return
}
