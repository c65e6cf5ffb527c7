package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// records handed to Drain at once
const maxReadBatch = 64

// conn pumps one socket. Records read off it go to the link in batches,
// batches fed by the link are written out with writev.
type conn struct {
	name         string
	raw          net.Conn
	link         Link
	writeTimeout time.Duration

	closing atomic.Bool
	done    chan struct{}
}

func newConn(name string, raw net.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		name:         name,
		raw:          raw,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *conn) readLoop(ctx context.Context) error {
	rr := NewRecordReader(c.raw, MaxRecord)
	in := ConnBytes.WithLabelValues("in")
	var batch Records
	for {
		rec, err := rr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || c.closing.Load() {
				return nil
			}
			return err
		}
		in.Add(float64(len(rec)))
		batch = append(batch, rec)
		if rr.Buffered() && len(batch) < maxReadBatch {
			continue
		}
		if err := c.link.Drain(ctx, batch); err != nil {
			return err
		}
		batch = nil
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	out := ConnBytes.WithLabelValues("out")
	for ctx.Err() == nil {
		recs, err := c.link.Feed(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			continue
		}
		if c.writeTimeout > 0 {
			if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return err
			}
		}
		bufs := net.Buffers(recs)
		n, err := bufs.WriteTo(c.raw)
		out.Add(float64(n))
		if err != nil {
			if c.closing.Load() {
				return nil
			}
			return err
		}
	}
	return nil
}

// run pumps until either direction stops, then closes the socket.
func (c *conn) run(ctx context.Context) error {
	defer close(c.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- c.readLoop(ctx) }()
	go func() { errs <- c.writeLoop(ctx) }()

	first := <-errs
	c.closing.Store(true)
	cancel()
	closeErr := c.raw.Close()
	second := <-errs
	return errors.Join(quiet(first), quiet(second), quiet(closeErr))
}

// close stops a running conn and waits for it.
func (c *conn) close() {
	c.closing.Store(true)
	_ = c.raw.SetDeadline(time.Now())
	<-c.done
}

func (c *conn) GetTraceId() string {
	if c.link == nil {
		return ""
	}
	return c.link.GetTraceId()
}

// errors of our own shutdown
func quiet(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
