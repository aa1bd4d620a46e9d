// Package queue implements the per-stream task queues and the manager that
// runs them. Each queue executes at most one task at a time; distinct queues
// run concurrently. The analysis stream depends on this: two concurrent
// analyses in one backend session would exhaust its work-unit budget.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/aristath/vigil/internal/task"
)

// Queue is the ordered holding area for one logical work stream. Tasks are
// kept in priority order, ties broken by earlier execution time.
type Queue struct {
	name    string
	tasks   []*task.Task
	running *task.Task
	mu      sync.Mutex
}

// newQueue creates an empty queue.
func newQueue(name string) *Queue {
	return &Queue{name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue inserts a task respecting priority order.
func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, t)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		if q.tasks[i].Priority != q.tasks[j].Priority {
			return q.tasks[i].Priority > q.tasks[j].Priority
		}
		return q.tasks[i].NextExecutionAt.Before(q.tasks[j].NextExecutionAt)
	})
}

// PopReady returns the highest-priority due task and marks the queue as
// executing it. Returns nil while a task is already running or nothing is
// due. Retrying tasks whose backoff delay has elapsed become pending here.
func (q *Queue) PopReady(now time.Time) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running != nil {
		return nil
	}

	for i, t := range q.tasks {
		if t.State == task.StateRetrying && !t.NextExecutionAt.After(now) {
			t.Requeue()
		}
		if !t.Due(now) {
			continue
		}

		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		q.running = t
		return t
	}

	return nil
}

// MarkDone clears the running slot. The caller re-enqueues the task itself
// if it has a next occurrence or a retry scheduled.
func (q *Queue) MarkDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running = nil
}

// Cancel removes a waiting task. Returns the task if it was cancellable,
// nil if it is unknown here or already running.
func (q *Queue) Cancel(id string) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t.ID != id {
			continue
		}
		if !t.CanCancel() {
			return nil
		}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		return t
	}

	return nil
}

// Get returns a copy of a waiting or running task.
func (q *Queue) Get(id string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running != nil && q.running.ID == id {
		return q.running.Clone(), true
	}
	for _, t := range q.tasks {
		if t.ID == id {
			return t.Clone(), true
		}
	}

	return nil, false
}

// Pending returns the number of tasks waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

// RunningTask returns a copy of the currently executing task, or nil when
// the queue is idle.
func (q *Queue) RunningTask() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running == nil {
		return nil
	}
	return q.running.Clone()
}

// Waiting returns copies of all queued tasks in execution order.
func (q *Queue) Waiting() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*task.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// NextDue returns the earliest execution time among waiting tasks. The
// second return is false for an empty queue.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return time.Time{}, false
	}

	next := q.tasks[0].NextExecutionAt
	for _, t := range q.tasks[1:] {
		if t.NextExecutionAt.Before(next) {
			next = t.NextExecutionAt
		}
	}
	return next, true
}
