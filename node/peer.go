package node

import (
	"context"

	"github.com/drpcorg/syncmap"
	"github.com/drpcorg/syncmap/protocol"
	"github.com/drpcorg/syncmap/routing"
	"github.com/drpcorg/syncmap/utils"
)

// Stream record types.
const (
	LitPacket  = 'P'
	LitWatch   = 'W'
	LitUnwatch = 'X'
)

// Peer is one connection. It observes the owners it watches on this node,
// and it feeds the replicas of the owners this node watches on it.
type Peer struct {
	id   syncmap.ObserverID
	name string
	node *Node
	out  *utils.FDQueue[protocol.Records]
}

func (p *Peer) ID() syncmap.ObserverID {
	return p.id
}

func (p *Peer) Name() string {
	return p.name
}

func (p *Peer) GetTraceId() string {
	return p.id.String()
}

func (p *Peer) Feed(ctx context.Context) (protocol.Records, error) {
	return p.out.Feed(ctx)
}

// Drain takes inbound records. Sync packets go to the inbox, watch
// requests to the simulation goroutine; nothing here touches an owner.
func (p *Peer) Drain(ctx context.Context, recs protocol.Records) error {
	log := p.node.log
	for _, rec := range recs {
		lit, body, _, err := protocol.TakeAnyWary(rec)
		if err != nil {
			return err
		}
		switch lit {
		case LitPacket:
			// bad and unknown packets are dropped and logged by the inbox
			_ = p.node.inbox.Deliver(body)
		case LitWatch, LitUnwatch:
			addr, _, err := p.node.router.ParseHeader(body)
			if err != nil {
				log.WarnCtx(ctx, "node: bad watch request", "peer", p.name, "err", err)
				continue
			}
			watch := lit == LitWatch
			err = p.node.post(ctx, func(ctx context.Context) {
				p.node.setWatcher(ctx, addr, p.id, watch)
			})
			if err != nil {
				return err
			}
		default:
			log.WarnCtx(ctx, "node: unexpected record", "peer", p.name, "lit", string(lit))
		}
	}
	return nil
}

func (p *Peer) Close() error {
	return p.out.Close()
}

func (p *Peer) send(ctx context.Context, recs ...[]byte) error {
	return p.out.Drain(ctx, recs)
}

func (p *Peer) sendWatch(ctx context.Context, addr routing.Address, watch bool) error {
	lit := byte(LitUnwatch)
	if watch {
		lit = LitWatch
	}
	return p.send(ctx, protocol.Record(lit, routing.Header(addr)))
}
