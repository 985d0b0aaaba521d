package daemon

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/errdefs"
	"github.com/arceos-hypervisor/arceos-vmm-drivers/pkg/wire"
)

// DefaultQueueDepth bounds the number of requests waiting for the engine.
const DefaultQueueDepth = 10

// Event is one VM request travelling from a session to the engine.
type Event struct {
	ID      string
	Request *wire.Request
	Reply   *ReplySlot
}

// Queue is the bounded multi-producer, single-consumer request queue.
// After Close, Submit fails with errdefs.ErrQueueClosed and the consumer can
// still drain what was accepted.
type Queue struct {
	ch   chan Event
	done chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewQueue creates a queue holding at most depth events.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{
		ch:   make(chan Event, depth),
		done: make(chan struct{}),
	}
}

// Submit enqueues ev, blocking while the queue is full.
func (q *Queue) Submit(ctx context.Context, ev Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.WithStack(errdefs.ErrQueueClosed)
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	select {
	case q.ch <- ev:
		return nil
	case <-q.done:
		return errors.WithStack(errdefs.ErrQueueClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is the consumer side.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Close refuses further submissions. It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Idle returns a channel closed once the queue is closed and no Submit is
// still in progress; after that no event can be added.
func (q *Queue) Idle() <-chan struct{} {
	idle := make(chan struct{})
	go func() {
		<-q.done
		q.inflight.Wait()
		close(idle)
	}()
	return idle
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}
