// Package taskqueue implements the task queue used by the scheduler's
// ready/sleep queues and by ksync's wait queues: component C8. Grounded on
// original_source's tasks/task_queue.c, built on the standard library's
// container/list for the intrusive circular list task_queue_t wraps
// (original_source's own list.h implements the same sentinel-node, O(1)
// insert/remove circular list container/list already provides).
package taskqueue

import (
	"container/list"

	"github.com/islay-os/kernel/internal/klog"
	"github.com/islay-os/kernel/internal/task"
)

var log = klog.New("TASKQUEUE", klog.Info, nil)

// Queue is a FIFO of tasks. The zero value is not ready to use; call New.
type Queue struct {
	list *list.List
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{list: list.New()}
}

// Empty reports whether the queue currently holds no tasks.
func (q *Queue) Empty() bool {
	return q.list.Len() == 0
}

// prepareInsert enforces the invariants every insertion path shares: dead
// tasks can't be queued, and a task can only belong to one queue at a time.
// Taking a reference keeps the cleanup task from freeing it while queued.
func prepareInsert(q *Queue, t *task.Task) {
	if t.State == task.Terminated {
		panic("taskqueue: attempted to enqueue a terminated task")
	}
	if t.CurrentQueue != nil {
		panic("taskqueue: task already belongs to a queue")
	}
	t.Get()
	t.CurrentQueue = q.list
}

// Enqueue adds task to the end of the queue.
func (q *Queue) Enqueue(t *task.Task) {
	prepareInsert(q, t)
	t.TaskQueueEntry = q.list.PushBack(t)
}

// AddFirst adds task to the front of the queue.
func (q *Queue) AddFirst(t *task.Task) {
	prepareInsert(q, t)
	t.TaskQueueEntry = q.list.PushFront(t)
}

// Dequeue removes and returns the task at the front of the queue, or nil if
// the queue is empty.
func (q *Queue) Dequeue() *task.Task {
	front := q.list.Front()
	if front == nil {
		return nil
	}

	t := front.Value.(*task.Task)
	q.list.Remove(front)
	t.CurrentQueue = nil
	t.TaskQueueEntry = nil
	t.Put() // allow the task to be freed now that it's no longer queued

	log.Debug("dequeued tid=%d", t.Tid)
	return t
}

// RemoveFromCurrentQueue removes task from whatever queue it currently
// belongs to. Panics if the task belongs to no queue.
func RemoveFromCurrentQueue(t *task.Task) {
	if t.CurrentQueue == nil {
		panic("taskqueue: task does not belong to any queue")
	}

	t.CurrentQueue.Remove(t.TaskQueueEntry)
	t.CurrentQueue = nil
	t.TaskQueueEntry = nil
	t.Put()
}

// Iter calls fn for every task currently in the queue, front to back.
func (q *Queue) Iter(fn func(*task.Task)) {
	for e := q.list.Front(); e != nil; e = e.Next() {
		fn(e.Value.(*task.Task))
	}
}

// Sweep visits every task in the queue front to back, removing any task for
// which visit returns true. Safe to remove the visited task mid-scan,
// mirroring LIST_ITER_SAFE_REMOVAL's use in the original's sleep-queue
// expiry sweep (which both removes expired tasks and inspects the ones left
// behind to track the next wakeup deadline in the same pass).
func (q *Queue) Sweep(visit func(t *task.Task) (remove bool)) {
	for e := q.list.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*task.Task)
		if visit(t) {
			q.list.Remove(e)
			t.CurrentQueue = nil
			t.TaskQueueEntry = nil
			t.Put()
		}
		e = next
	}
}
