// Package scheduler runs executions on a fixed pool of workers fed by a
// bounded queue of execution ids.
package scheduler

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ccbhj/ruleflow/fault"
)

// ErrQueueFull is the cause of the system fault returned by Enqueue when the
// queue is at capacity.
var ErrQueueFull = errors.New("queue is full")

// Queue holds execution ids waiting for a worker. Enqueue never blocks: a full
// queue is reported as a system fault wrapping ErrQueueFull.
type Queue interface {
	Enqueue(ctx context.Context, id string) error
	// Dequeue blocks until an id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
	// Ack tells the queue the id was handled and need not be redelivered.
	Ack(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

func queueFull(capacity int) error {
	return fault.System(ErrQueueFull, "work queue at capacity %d", capacity)
}

// MemoryQueue is a bounded channel. Its content does not survive a restart;
// the repository recovery on start re-submits unfinished executions.
type MemoryQueue struct {
	ch chan string
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryQueue{ch: make(chan string, capacity)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- id:
		return nil
	default:
		return queueFull(cap(q.ch))
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case id := <-q.ch:
		return id, nil
	}
}

func (q *MemoryQueue) Ack(context.Context, string) error { return nil }

func (q *MemoryQueue) Len(context.Context) (int, error) { return len(q.ch), nil }

func (q *MemoryQueue) Cap() int { return cap(q.ch) }
