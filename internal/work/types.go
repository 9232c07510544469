// Package work provides a bounded-concurrency task pool.
//
// Every fan-out in the ingestion pipeline (batched detail fetches during a
// backfill) runs through a Pool so that at most N external calls are in
// flight. Tasks are dispatched in submission order, a failing or
// panicking task only resolves its own future, and Drain waits for the
// queue to empty without polling.
//
// Logging: task lifecycle is logged via internal/logging at debug level.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/abelbrown/feedingtube/internal/logging"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending  Status = "pending"  // Queued, waiting for a slot
	StatusActive   Status = "active"   // Currently running
	StatusComplete Status = "complete" // Finished successfully
	StatusFailed   Status = "failed"   // Finished with error
)

// Func is the unit of work executed by a Pool.
type Func func(ctx context.Context) (any, error)

// Task is a submitted unit of work and its future.
type Task struct {
	ID          string
	Description string // Human-readable: "details 5 ids"

	// Timing
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	status Status
	result any
	err    error

	pool *Pool
	ctx  context.Context
	fn   Func
	done chan struct{}
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its result.
func (t *Task) Wait() (any, error) {
	<-t.done
	return t.result, t.err
}

// Status returns the task status. Only stable after Done is closed.
func (t *Task) Status() Status {
	select {
	case <-t.done:
		return t.status
	default:
	}
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.status
}

// Duration returns how long the task ran. Zero until it finished.
func (t *Task) Duration() time.Duration {
	select {
	case <-t.done:
	default:
		return 0
	}
	if t.StartedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Future is a typed view over a Task.
type Future[T any] struct {
	task *Task
}

// Task returns the underlying task.
func (f *Future[T]) Task() *Task {
	return f.task
}

// Wait blocks until the task finishes and returns its typed result.
func (f *Future[T]) Wait() (T, error) {
	v, err := f.task.Wait()
	out, _ := v.(T)
	return out, err
}

// Stats tracks pool metrics.
type Stats struct {
	TotalCreated   int64
	TotalCompleted int64
	TotalFailed    int64
	WorkersActive  int
	WorkersTotal   int
	PendingCount   int
	PeakActive     int // highest concurrent task count observed
}

// String returns a summary string for stats.
func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Done: %d  Failed: %d",
		s.WorkersActive, s.PendingCount, s.TotalCompleted, s.TotalFailed)
}

// logTask logs a task lifecycle change.
func logTask(t *Task, change string) {
	switch change {
	case "started":
		logging.Debug("Task started",
			"id", t.ID,
			"desc", t.Description)
	case "completed":
		logging.Debug("Task completed",
			"id", t.ID,
			"desc", t.Description,
			"duration", t.Duration())
	case "failed":
		logging.Warn("Task failed",
			"id", t.ID,
			"desc", t.Description,
			"error", t.err,
			"duration", t.Duration())
	}
}
