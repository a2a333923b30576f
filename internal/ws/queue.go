package ws

import (
	"context"
	"sync"

	"kiwi-bridge/internal/wire"
)

// Queue is the ordered, unbounded buffer between command producers and the
// active connection's drainer. Publishing is decoupled from the socket's
// lifetime: commands enqueued while disconnected stay queued until a drainer
// attaches.
type Queue struct {
	mu    sync.Mutex
	items []wire.Message
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends a command. Never blocks.
func (q *Queue) Enqueue(m wire.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue removes the oldest command, blocking until one is available or the
// context is done.
func (q *Queue) Dequeue(ctx context.Context) (wire.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len reports the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
