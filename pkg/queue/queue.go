// Package queue carries finalized buckets from the meter driver to the
// database sink. It is an unbounded in-process FIFO; the producer rate
// limits itself to one bucket per minute, so no capacity bound is
// needed.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/AndreasFMueller/PowerMeter/pkg/bucket"
)

// ErrClosed is returned by Extract once the queue has been closed and
// drained.
var ErrClosed = errors.New("queue closed")

// Status is the outcome of a Wait call.
type Status int

const (
	// Timeout means the wait duration elapsed without the queue closing.
	Timeout Status = iota
	// Closed means the queue was shut down.
	Closed
)

// Queue is safe for concurrent use by one producer and one consumer.
type Queue struct {
	mu          sync.Mutex
	items       []*bucket.Bucket
	lastSubmit  time.Time
	lastExtract time.Time

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an open queue.
func New() *Queue {
	now := time.Now()
	return &Queue{
		lastSubmit:  now,
		lastExtract: now,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Submit appends a bucket to the tail and wakes a waiting consumer.
// It never blocks.
func (q *Queue) Submit(b *bucket.Bucket) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.lastSubmit = time.Now()
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Extract blocks until a bucket is available or the queue has been
// closed and drained, in which case it returns ErrClosed. Buckets
// submitted before Close are still delivered.
func (q *Queue) Extract() (*bucket.Bucket, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			b := q.items[0]
			q.items = q.items[1:]
			q.lastExtract = time.Now()
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return b, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
			// drain anything that raced with Close
			q.mu.Lock()
			empty := len(q.items) == 0
			q.mu.Unlock()
			if empty {
				return nil, ErrClosed
			}
		}
	}
}

// Wait blocks for at most d and reports whether the queue was closed in
// the meantime. The supervisor uses it together with LastSubmit to
// detect a stalled producer.
func (q *Queue) Wait(d time.Duration) Status {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return Timeout
	case <-q.done:
		return Closed
	}
}

// Close shuts the queue down and wakes all waiters. It is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// LastSubmit returns the time of the most recent Submit.
func (q *Queue) LastSubmit() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSubmit
}

// LastExtract returns the time of the most recent successful Extract.
func (q *Queue) LastExtract() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastExtract
}

// Len returns the number of queued buckets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
