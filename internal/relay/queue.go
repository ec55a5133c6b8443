package relay

import (
	"context"
	"sync"
)

// Queue buffers messages for identities that are not present. Drain must
// return messages in the order they were enqueued and remove the identity's
// entry entirely.
type Queue interface {
	Enqueue(ctx context.Context, id Identity, msg *Message) error
	Drain(ctx context.Context, id Identity) ([]*Message, error)
	Pending(ctx context.Context, id Identity) (int, error)
	Close() error
}

// MemoryQueue is the in-process Queue. Contents are lost when the process
// exits.
type MemoryQueue struct {
	mu      sync.Mutex
	pending map[Identity][]*Message
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pending: make(map[Identity][]*Message)}
}

// Enqueue appends msg to id's sequence, creating it if needed.
func (q *MemoryQueue) Enqueue(_ context.Context, id Identity, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending[id] = append(q.pending[id], msg.Clone())
	return nil
}

// Drain returns and removes everything queued for id. An identity with
// nothing queued yields an empty slice and no entry is created.
func (q *MemoryQueue) Drain(_ context.Context, id Identity) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs, ok := q.pending[id]
	if !ok {
		return []*Message{}, nil
	}
	delete(q.pending, id)
	return msgs, nil
}

// Pending returns how many messages are waiting for id.
func (q *MemoryQueue) Pending(_ context.Context, id Identity) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending[id]), nil
}

// Identities returns how many identities have at least one queued message.
func (q *MemoryQueue) Identities() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Total returns the number of queued messages across all identities.
func (q *MemoryQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, msgs := range q.pending {
		n += len(msgs)
	}
	return n
}

// Close is a no-op.
func (q *MemoryQueue) Close() error {
	return nil
}
