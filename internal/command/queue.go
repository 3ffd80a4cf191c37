package command

import (
	"context"
	"time"
)

// DefaultQueueSize is the capacity used when NewQueue is given a size <= 0.
const DefaultQueueSize = 16

// Queue is a bounded multi-producer, single-consumer command queue.
type Queue struct {
	ch chan Command
}

// NewQueue creates a Queue holding up to size commands.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Command, size)}
}

// Push enqueues cmd, blocking only while the queue is full.
func (q *Queue) Push(ctx context.Context, cmd Command) error {
	select {
	case q.ch <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues cmd without blocking. It returns false when full.
func (q *Queue) TryPush(cmd Command) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// Poll waits up to timeout for a command.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (Command, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
	}
	if timeout <= 0 {
		return Command{}, false
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case cmd := <-q.ch:
		return cmd, true
	case <-t.C:
		return Command{}, false
	case <-ctx.Done():
		return Command{}, false
	}
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	return len(q.ch)
}
