package jobs

import (
	"context"
	"errors"
	"time"
)

var ErrQueueFull = errors.New("job queue is full")

const defaultQueueCapacity = 256

// Queue is the FIFO handoff between the API and the single worker
// goroutine. It carries job ids; the registry holds the records.
type Queue struct {
	ch chan string
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{ch: make(chan string, capacity)}
}

func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue waits up to wait for the next job id. It returns false on
// timeout or context cancellation, which is how the worker loop notices
// stop requests between jobs.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (string, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, true
	case <-timer.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

func (q *Queue) Len() int { return len(q.ch) }
