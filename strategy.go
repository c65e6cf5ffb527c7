package syncmap

import (
	"context"

	"github.com/google/uuid"
)

// Packet kinds. An init packet always carries a snapshot, an update
// carries a delta. A lenient replica reads an update that arrives before
// any snapshot as the snapshot.
const (
	LitInit   byte = 'I'
	LitUpdate byte = 'U'
)

// ObserverID names a watching client, usually a player or a peer connection.
type ObserverID = uuid.UUID

// Sender delivers one payload of an owner to one observer.
type Sender interface {
	Send(ctx context.Context, observer ObserverID, lit byte, body []byte) error
}

// Strategy decides which payload shape goes to which observer on a send cycle.
// The observers slice is valid for the duration of the call only.
type Strategy interface {
	SendUpdates(ctx context.Context, a *Authority, observers []ObserverID, out Sender) error
}

func send(ctx context.Context, a *Authority, out Sender, observer ObserverID, lit byte, shape string, body []byte) {
	// Dirty flags are already cleared at this point, a failed send loses
	// the update for this observer until the field changes again.
	if err := out.Send(ctx, observer, lit, body); err != nil {
		a.Logger().WarnCtx(ctx, "sync: send failed", "map", a.Name(), "observer", observer, "shape", shape, "err", err)
		SendFailures.WithLabelValues(a.Name()).Inc()
		return
	}
	PacketsSent.WithLabelValues(a.Name(), shape).Inc()
	BytesSent.WithLabelValues(a.Name(), shape).Add(float64(len(body)))
}

// SeparateInitialization sends snapshots only when asked to via Initialize,
// typically when an observer starts watching the owner. Send cycles carry
// deltas, and only once the authority is sealed by a first snapshot.
type SeparateInitialization struct{}

func (s SeparateInitialization) Initialize(ctx context.Context, a *Authority, observer ObserverID, out Sender) error {
	body, err := a.AppendSnapshot(nil)
	if err != nil {
		return err
	}
	send(ctx, a, out, observer, LitInit, shapeSnapshot, body)
	return nil
}

func (s SeparateInitialization) SendUpdates(ctx context.Context, a *Authority, observers []ObserverID, out Sender) error {
	if !a.Sealed() {
		return nil
	}
	cs := a.ChangeSet()
	if cs.Empty() || len(observers) == 0 {
		return nil
	}
	body, err := a.AppendDelta(nil, cs)
	if err != nil {
		return err
	}
	for _, o := range observers {
		send(ctx, a, out, o, LitUpdate, shapeDelta, body)
	}
	return nil
}

// SelfInitializing remembers which observers got a snapshot already.
// Newcomers get one as an init packet on their first send cycle, so a
// replica that was initialized by an earlier authority starts over.
// Everybody else gets deltas.
// One instance serves one authority. Call Forget when an observer leaves,
// or the set keeps growing.
type SelfInitializing struct {
	known map[ObserverID]struct{}
}

func NewSelfInitializing() *SelfInitializing {
	return &SelfInitializing{known: make(map[ObserverID]struct{})}
}

func (s *SelfInitializing) Known(observer ObserverID) bool {
	_, ok := s.known[observer]
	return ok
}

func (s *SelfInitializing) KnownCount() int {
	return len(s.known)
}

// Forget drops the observer; if it comes back it gets a fresh snapshot.
func (s *SelfInitializing) Forget(observer ObserverID) {
	delete(s.known, observer)
}

func (s *SelfInitializing) SendUpdates(ctx context.Context, a *Authority, observers []ObserverID, out Sender) error {
	if s.known == nil {
		s.known = make(map[ObserverID]struct{})
	}
	cs := a.ChangeSet()
	var fresh, old []ObserverID
	for _, o := range observers {
		if s.Known(o) {
			old = append(old, o)
		} else {
			fresh = append(fresh, o)
		}
	}
	if len(old) > 0 && !cs.Empty() {
		delta, err := a.AppendDelta(nil, cs)
		if err != nil {
			return err
		}
		for _, o := range old {
			send(ctx, a, out, o, LitUpdate, shapeDelta, delta)
		}
	}
	if len(fresh) > 0 {
		snapshot, err := a.AppendSnapshot(nil)
		if err != nil {
			return err
		}
		for _, o := range fresh {
			send(ctx, a, out, o, LitInit, shapeSnapshot, snapshot)
			s.known[o] = struct{}{}
		}
	}
	return nil
}
