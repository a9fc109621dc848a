// Package memory provides the in-process target queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"harvester/internal/harvest"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan *harvest.Target
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan *harvest.Target, capacity),
	}
}

// Enqueue pushes a target into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, target *harvest.Target) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- target:
		return nil
	}
}

// Dequeue pops the next target, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (*harvest.Target, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case target, ok := <-q.ch:
		if !ok {
			return nil, errors.New("queue closed")
		}
		return target, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
