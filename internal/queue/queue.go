package queue

import (
	"context"
	"errors"
	"sync"
)

type (
	// Policy decides what Push does when the queue is full.
	Policy byte

	// Q is a bounded multi-producer FIFO. Push never blocks, Pop blocks
	// until an item is available, the queue is closed or ctx is done.
	Q[T any] struct {
		items  chan T
		policy Policy

		closeOnce sync.Once
		done      chan struct{}
	}
)

const (
	// Reject refuses the newest item when full.
	Reject = Policy(iota)
	// DropOldest discards the head of the queue to make room.
	DropOldest
)

var (
	ErrClosed = errors.New("queue: closed")
	ErrFull   = errors.New("queue: full")
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	default:
		return "reject"
	}
}

// ParsePolicy accepts the names returned by Policy.String.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "reject":
		return Reject, nil
	case "drop-oldest":
		return DropOldest, nil
	default:
		return Reject, errors.New("queue: unknown policy " + name)
	}
}

func New[T any](capacity int, policy Policy) *Q[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Q[T]{
		items:  make(chan T, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Push adds v to the tail. The returned error is ErrClosed or ErrFull, with
// DropOldest a full queue only fails if it stays full after one eviction.
func (q *Q[T]) Push(v T) error {
	if q.Closed() {
		return ErrClosed
	}
	select {
	case q.items <- v:
		return nil
	default:
	}
	if q.policy != DropOldest {
		return ErrFull
	}
	select {
	case <-q.items:
	default:
	}
	select {
	case q.items <- v:
		return nil
	default:
		return ErrFull
	}
}

// Pop waits for the head of the queue. Items pushed before Close are still
// returned, after they are consumed Pop returns ErrClosed.
func (q *Q[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		return v, nil
	default:
	}
	select {
	case v := <-q.items:
		return v, nil
	case <-q.done:
		select {
		case v := <-q.items:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryPop returns the head without waiting.
func (q *Q[T]) TryPop() (T, bool) {
	select {
	case v := <-q.items:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Drain discards every queued item and returns how many were dropped.
func (q *Q[T]) Drain() int {
	n := 0
	for {
		if _, ok := q.TryPop(); !ok {
			return n
		}
		n++
	}
}

func (q *Q[T]) Len() int { return len(q.items) }
func (q *Q[T]) Cap() int { return cap(q.items) }

func (q *Q[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Q[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Done is closed once Close is called.
func (q *Q[T]) Done() <-chan struct{} { return q.done }
