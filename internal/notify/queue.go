// Package notify is the append-only notification sink: one human-readable
// line per event. Delivery is best effort and never blocks or aborts the
// transition that produced the line.
package notify

import (
	"context"
	"sync"
)

// Queue is an append-only message queue for status lines.
type Queue interface {
	// Add appends a message to the queue.
	Add(ctx context.Context, message string) error
	// Drain removes and returns all queued messages in append order.
	Drain(ctx context.Context) ([]string, error)
}

// MemoryQueue is an in-process Queue, used in dev mode and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []string
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Add appends a message to the queue.
func (q *MemoryQueue) Add(ctx context.Context, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, message)
	return nil
}

// Drain removes and returns all queued messages in append order.
func (q *MemoryQueue) Drain(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.messages
	q.messages = nil
	return out, nil
}

// Peek returns the queued messages without removing them.
func (q *MemoryQueue) Peek() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.messages))
	copy(out, q.messages)
	return out
}
