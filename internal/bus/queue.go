package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Publish once the queue stopped accepting messages.
var ErrQueueClosed = errors.New("inbound queue closed")

// DefaultQueueSize is used when NewQueue is given a non-positive size.
const DefaultQueueSize = 256

// Queue is the single bounded inbound queue shared by all piers.
// Publish blocks while the queue is full, which pushes backpressure into the
// publishing pier's listener.
type Queue struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue holding at most size pending messages.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

// Publish enqueues msg, waiting for room or for ctx to end.
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the consuming end. It is never closed; consumers also watch Done.
func (q *Queue) Messages() <-chan Message {
	return q.ch
}

// Done is closed by Close.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Close stops accepting new messages. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	return len(q.ch)
}
