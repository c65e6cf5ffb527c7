package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("utils: feed/drain queue is closed")
var ErrOverflow = errors.New("utils: feed/drain queue is overflowed")

var errTimeout = errors.New("timeout")

// FDQueue buffers outbound records of one connection. Writers (Drain)
// block while the queue holds limit bytes; a writer stuck for longer
// than the timeout marks the queue overflowed, which is final, as the
// peer is not keeping up. The reader (Feed) waits for the first record
// and takes up to batch bytes at once.
type FDQueue[T ~[][]byte] struct {
	mu      sync.Mutex
	recs    T
	size    int
	limit   int
	batch   int
	timeout time.Duration

	closed   bool
	overflow bool
	// closed and replaced on every change of the contents
	changed chan struct{}
	// one writer at a time, so records of one Drain stay together
	writers chan struct{}
}

func NewFDQueue[T ~[][]byte](limit int, timeout time.Duration, batch int) *FDQueue[T] {
	return &FDQueue[T]{
		limit:   limit,
		batch:   batch,
		timeout: timeout,
		changed: make(chan struct{}),
		writers: make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) state() error {
	switch {
	case q.closed:
		return ErrClosed
	case q.overflow:
		return ErrOverflow
	}
	return nil
}

func (q *FDQueue[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func wait(ctx context.Context, timer *time.Timer, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTimeout
	}
}

func (q *FDQueue[T]) overflowed() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if !q.overflow {
		q.overflow = true
		q.notify()
	}
	return ErrOverflow
}

func (q *FDQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.recs, q.size = nil, 0
		q.notify()
	}
	return nil
}

// Size is the number of buffered bytes.
func (q *FDQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Drain appends records, waiting for room. A record larger than the
// limit is still accepted into an empty queue.
func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.writers <- struct{}{}:
		defer func() { <-q.writers }()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return q.overflowed()
	}

	for len(recs) > 0 {
		q.mu.Lock()
		if err := q.state(); err != nil {
			q.mu.Unlock()
			return err
		}
		n := 0
		for _, rec := range recs {
			if q.size > 0 && q.size+len(rec) > q.limit {
				break
			}
			q.recs = append(q.recs, rec)
			q.size += len(rec)
			n++
		}
		if n > 0 {
			recs = recs[n:]
			q.notify()
		}
		ch := q.changed
		q.mu.Unlock()

		if len(recs) == 0 {
			break
		}
		switch err := wait(ctx, timer, ch); err {
		case nil:
		case errTimeout:
			return q.overflowed()
		default:
			return err
		}
	}
	return nil
}

// Feed returns the next batch, or nothing if no record arrived within
// the timeout.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if err = q.state(); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		if len(q.recs) > 0 {
			n, size := 0, 0
			for n < len(q.recs) && size < q.batch {
				size += len(q.recs[n])
				n++
			}
			recs = q.recs[:n:n]
			q.recs = q.recs[n:]
			if len(q.recs) == 0 {
				q.recs = nil
			}
			q.size -= size
			q.notify()
			q.mu.Unlock()
			return recs, nil
		}
		ch := q.changed
		q.mu.Unlock()

		if wait(ctx, timer, ch) != nil {
			return nil, nil
		}
	}
}
