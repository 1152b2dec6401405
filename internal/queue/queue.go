// Package queue provides the bounded FIFO shared by every worker in
// the delivery pool.
package queue

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-delivery/pkg/push"
)

var (
	// ErrClosed is returned by Push once the queue has stopped
	// accepting new work.
	ErrClosed = errors.New("queue is closed")
	// ErrFull is returned by Push when the queue is at capacity.
	ErrFull = errors.New("queue is full")
)

// DefaultCapacity is used when no explicit maximum is configured.
const DefaultCapacity = 10000

// Queue is a mutex-guarded FIFO. Exactly one worker holds the lock at
// a time, so a popped message is never visible to another worker. The
// queue outlives any individual worker: workers die and respawn around
// it without losing messages.
type Queue struct {
	mu     sync.Mutex
	items  []*push.Message
	nextID uint32
	max    int
	closed bool
}

// New creates a queue bounded at max messages.
func New(max int) *Queue {
	if max <= 0 {
		max = DefaultCapacity
	}
	// Sequence identifiers start at 1 so zero always means
	// "no identifier" in error correlation.
	return &Queue{max: max, nextID: 1}
}

// Push appends a message, assigning its sequence identifier and a
// correlation UUID if the producer didn't set one.
func (q *Queue) Push(msg *push.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.items) >= q.max {
		return ErrFull
	}
	if msg.ID == 0 {
		msg.ID = q.nextID
		q.nextID++
	}
	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	q.items = append(q.items, msg)
	return nil
}

// Requeue returns messages to the head of the queue in the order
// given, ahead of everything not yet attempted. It succeeds even when
// the queue is closed or at capacity: the messages were already
// admitted once and must not be lost during recovery.
func (q *Queue) Requeue(msgs []*push.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	head := make([]*push.Message, 0, len(msgs)+len(q.items))
	head = append(head, msgs...)
	q.items = append(head, q.items...)
}

// Pop removes and returns the oldest message. The second return is
// false when the queue is empty.
func (q *Queue) Pop() (*push.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Len reports how many messages are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops intake. Queued messages remain poppable so workers can
// drain during shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Closed reports whether intake has stopped.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain empties the queue and returns whatever was never delivered.
func (q *Queue) Drain() []*push.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	left := q.items
	q.items = nil
	return left
}
