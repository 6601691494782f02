// Package dispatch turns submitted goals into queued tasks and feeds them to
// the task processor with per-session ordering and a global concurrency cap.
package dispatch

import (
	"context"

	"github.com/user/droidpilot/internal/types"
)

// Dispatcher accepts goals from the operator surfaces (Telegram, CLI,
// scheduler) and queues them for the runner.
type Dispatcher struct {
	Queue *Queue
	retry *RetryPolicy

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Dispatcher with the given concurrency limit for
// simultaneous task processing.
func New(maxConcurrent int64) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Dispatcher{
		Queue: NewQueue(maxConcurrent),
		retry: DefaultRetryPolicy(),
	}
}

// Start initialises the dispatcher's context and starts the internal queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.Queue.Start(d.ctx)
}

// Stop cancels the dispatcher context and stops the queue.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.Queue.Stop()
}

// TaskOption configures optional behavior on a Task.
type TaskOption func(*Task)

// WithOnComplete sets a callback invoked when the task produces a final
// result.
func WithOnComplete(fn func(string)) TaskOption {
	return func(t *Task) { t.OnComplete = fn }
}

// Submit wraps the goal in a Task on the given session's lane and enqueues
// it for processing.
func (d *Dispatcher) Submit(sessionID types.SessionID, goal string, opts ...TaskOption) (*Task, error) {
	task := NewTask(sessionID, goal)
	for _, opt := range opts {
		opt(task)
	}
	if err := d.Queue.Enqueue(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Retry returns the dispatcher's retry policy for use around model calls.
func (d *Dispatcher) Retry() *RetryPolicy {
	return d.retry
}
