package bus

import (
	"context"
	"sync"
)

// QueueProvider is the transport the bus moves trigger messages over.
// The in-memory provider below is the single-node implementation; a broker
// backed provider can be swapped in without touching the consumers.
type QueueProvider interface {
	Publish(ctx context.Context, queue string, payload []byte) error
	// Dequeue blocks until a payload is available or the context is done.
	Dequeue(ctx context.Context, queue string) ([]byte, error)
}

type MemoryQueue struct {
	mu     sync.Mutex
	buffer int
	queues map[string]chan []byte
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{
		buffer: buffer,
		queues: make(map[string]chan []byte),
	}
}

func (q *MemoryQueue) channel(queue string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[queue]
	if !ok {
		ch = make(chan []byte, q.buffer)
		q.queues[queue] = ch
	}
	return ch
}

func (q *MemoryQueue) Publish(ctx context.Context, queue string, payload []byte) error {
	select {
	case q.channel(queue) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string) ([]byte, error) {
	select {
	case payload := <-q.channel(queue):
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of buffered payloads in a queue.
func (q *MemoryQueue) Len(queue string) int {
	return len(q.channel(queue))
}
