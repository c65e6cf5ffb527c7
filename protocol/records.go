package protocol

import (
	"context"
	"io"
)

// Records is a batch of complete TLV records. A batch goes out in one
// writev.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Feeder hands out outbound batches. An empty batch with no error means
// nothing was ready yet.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer takes inbound batches.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

// Traced reports an id to tie log lines of one connection together.
type Traced interface {
	GetTraceId() string
}

// Link is the application end of one connection.
type Link interface {
	Feeder
	Drainer
	io.Closer
	Traced
}
