package work

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool runs submitted tasks with at most N executing at once.
//
// There are no long-lived worker goroutines: each dispatched task gets its
// own goroutine, and the pool is really a concurrency limiter over a FIFO
// queue. A zero-value Pool is not usable; call NewPool.
type Pool struct {
	mu   sync.Mutex
	idle *sync.Cond // signalled when pending and active both reach zero

	workers int
	pending taskQueue
	active  int
	peak    int

	nextSeq uint64

	totalCreated   int64
	totalCompleted int64
	totalFailed    int64
}

// NewPool creates a pool that runs at most workers tasks concurrently.
// workers < 1 is treated as 1.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Submit queues fn and returns its task. fn receives ctx; if ctx is already
// done when the task reaches the front of the queue, fn is not called and
// the task fails with ctx.Err().
//
// Safe for concurrent use, including concurrently with Drain.
func (p *Pool) Submit(ctx context.Context, desc string, fn Func) *Task {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSeq++
	t := &Task{
		ID:          fmt.Sprintf("t%d", p.nextSeq),
		Description: desc,
		CreatedAt:   time.Now(),
		status:      StatusPending,
		pool:        p,
		ctx:         ctx,
		fn:          fn,
		done:        make(chan struct{}),
	}
	p.pending.Push(t)
	p.totalCreated++

	p.dispatchLocked()
	return t
}

// Go submits a typed function and returns its future.
func Go[T any](p *Pool, ctx context.Context, desc string, fn func(ctx context.Context) (T, error)) *Future[T] {
	t := p.Submit(ctx, desc, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	return &Future[T]{task: t}
}

// Drain blocks until the queue is empty and no task is running.
//
// Tasks submitted while Drain waits are waited for as well. Drain may be
// called from several goroutines at once.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.active > 0 || p.pending.Len() > 0 {
		p.idle.Wait()
	}
}

// dispatchLocked starts queued tasks while there is capacity.
// Caller must hold p.mu.
func (p *Pool) dispatchLocked() {
	for p.pending.Len() > 0 && p.active < p.workers {
		t := p.pending.Pop()
		t.status = StatusActive
		t.StartedAt = time.Now()
		p.active++
		if p.active > p.peak {
			p.peak = p.active
		}
		go p.execute(t)
	}
}

// execute runs a single task and records its outcome.
func (p *Pool) execute(t *Task) {
	logTask(t, "started")
	result, err := p.run(t)
	p.complete(t, result, err)
}

// run calls the task function, converting a panic into an error so one bad
// task cannot take down its siblings.
func (p *Pool) run(t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()

	if err := t.ctx.Err(); err != nil {
		return nil, err
	}
	if t.fn == nil {
		return nil, fmt.Errorf("task %s: no work function", t.ID)
	}
	return t.fn(t.ctx)
}

// complete resolves the task's future and frees its slot.
func (p *Pool) complete(t *Task, result any, err error) {
	p.mu.Lock()
	t.FinishedAt = time.Now()
	t.result = result
	t.err = err
	change := "completed"
	if err != nil {
		t.status = StatusFailed
		p.totalFailed++
		change = "failed"
	} else {
		t.status = StatusComplete
		p.totalCompleted++
	}
	close(t.done)

	p.active--
	p.dispatchLocked()
	if p.active == 0 && p.pending.Len() == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()

	logTask(t, change)
}

// Stats returns current statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		TotalCreated:   p.totalCreated,
		TotalCompleted: p.totalCompleted,
		TotalFailed:    p.totalFailed,
		WorkersActive:  p.active,
		WorkersTotal:   p.workers,
		PendingCount:   p.pending.Len(),
		PeakActive:     p.peak,
	}
}
