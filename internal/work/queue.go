package work

// taskQueue is a FIFO of tasks waiting for a slot.
type taskQueue struct {
	tasks []*Task
	head  int
}

// Len returns the number of queued tasks.
func (q *taskQueue) Len() int { return len(q.tasks) - q.head }

// Push appends a task to the back of the queue.
func (q *taskQueue) Push(t *Task) {
	q.tasks = append(q.tasks, t)
}

// Pop removes and returns the task at the front of the queue.
func (q *taskQueue) Pop() *Task {
	t := q.tasks[q.head]
	q.tasks[q.head] = nil // avoid memory leak
	q.head++

	// Reclaim the consumed prefix once it dominates the slice
	if q.head == len(q.tasks) {
		q.tasks, q.head = q.tasks[:0], 0
	} else if q.head > 32 && q.head*2 > len(q.tasks) {
		n := copy(q.tasks, q.tasks[q.head:])
		clear(q.tasks[n:])
		q.tasks, q.head = q.tasks[:n], 0
	}
	return t
}
