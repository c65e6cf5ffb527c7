package routing

import (
	"context"

	"github.com/drpcorg/syncmap"
)

// Transport carries whole packets to an observer.
type Transport interface {
	SendTo(ctx context.Context, observer syncmap.ObserverID, packet []byte) error
}

// Outbox is the sender of one owner: it prefixes every payload with the
// owner header.
type Outbox struct {
	Addr      Address
	Transport Transport
}

func (o Outbox) Send(ctx context.Context, observer syncmap.ObserverID, lit byte, body []byte) error {
	return o.Transport.SendTo(ctx, observer, AppendPacket(nil, o.Addr, lit, body))
}
