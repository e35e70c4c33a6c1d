package taskqueue

import (
	"testing"

	"github.com/islay-os/kernel/internal/task"
)

func newTask(tid task.Tid) *task.Task {
	return &task.Task{Tid: tid, State: task.ReadyToRun}
}

func TestEnqueueThenDequeueIsFIFO(t *testing.T) {
	q := New()
	a, b, c := newTask(1), newTask(2), newTask(3)
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	if got := q.Dequeue(); got != a {
		t.Fatalf("expected a first, got %v", got)
	}
	if got := q.Dequeue(); got != b {
		t.Fatalf("expected b second, got %v", got)
	}
	if got := q.Dequeue(); got != c {
		t.Fatalf("expected c third, got %v", got)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := New()
	if q.Dequeue() != nil {
		t.Fatal("expected nil from an empty queue")
	}
}

func TestAddFirstJumpsTheQueue(t *testing.T) {
	q := New()
	a, b := newTask(1), newTask(2)
	q.Enqueue(a)
	q.AddFirst(b)

	if got := q.Dequeue(); got != b {
		t.Fatalf("expected b (added first) to dequeue before a, got %v", got)
	}
}

func TestEnqueueIncrementsRefCount(t *testing.T) {
	q := New()
	tk := newTask(1)
	q.Enqueue(tk)
	if tk.RefCount() != 1 {
		t.Fatalf("expected refcount 1 while queued, got %d", tk.RefCount())
	}
}

func TestDequeueDecrementsRefCountAndClearsQueueLink(t *testing.T) {
	q := New()
	tk := newTask(1)
	q.Enqueue(tk)
	q.Dequeue()
	if tk.RefCount() != 0 {
		t.Fatalf("expected refcount 0 after dequeue, got %d", tk.RefCount())
	}
	if tk.CurrentQueue != nil {
		t.Fatal("expected CurrentQueue to be cleared after dequeue")
	}
}

func TestEnqueueTerminatedTaskPanics(t *testing.T) {
	q := New()
	tk := newTask(1)
	tk.State = task.Terminated
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic enqueueing a terminated task")
		}
	}()
	q.Enqueue(tk)
}

func TestEnqueueAlreadyQueuedTaskPanics(t *testing.T) {
	q1, q2 := New(), New()
	tk := newTask(1)
	q1.Enqueue(tk)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic enqueueing a task already in a queue")
		}
	}()
	q2.Enqueue(tk)
}

func TestRemoveFromCurrentQueue(t *testing.T) {
	q := New()
	a, b := newTask(1), newTask(2)
	q.Enqueue(a)
	q.Enqueue(b)

	RemoveFromCurrentQueue(a)
	if a.CurrentQueue != nil {
		t.Fatal("expected CurrentQueue cleared")
	}
	if got := q.Dequeue(); got != b {
		t.Fatalf("expected only b left in queue, got %v", got)
	}
}

func TestRemoveFromCurrentQueueWithNoQueuePanics(t *testing.T) {
	tk := newTask(1)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic removing a task from no queue")
		}
	}()
	RemoveFromCurrentQueue(tk)
}

func TestEmptyReflectsQueueState(t *testing.T) {
	q := New()
	if !q.Empty() {
		t.Fatal("expected a new queue to be empty")
	}
	tk := newTask(1)
	q.Enqueue(tk)
	if q.Empty() {
		t.Fatal("expected queue to be non-empty after enqueue")
	}
}

func TestSweepRemovesOnlyMatchingTasksInOrderAndVisitsSurvivors(t *testing.T) {
	q := New()
	a, b, c := newTask(1), newTask(2), newTask(3)
	a.SleepExpiry, b.SleepExpiry, c.SleepExpiry = 100, 50, 200
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	var woken, kept []task.Tid
	q.Sweep(func(t *task.Task) bool {
		if t.SleepExpiry <= 100 {
			woken = append(woken, t.Tid)
			return true
		}
		kept = append(kept, t.Tid)
		return false
	})

	if len(woken) != 2 || woken[0] != 1 || woken[1] != 2 {
		t.Fatalf("expected [1 2] woken in order, got %v", woken)
	}
	if len(kept) != 1 || kept[0] != 3 {
		t.Fatalf("expected [3] kept (visited but not removed), got %v", kept)
	}
	if got := q.Dequeue(); got != c {
		t.Fatalf("expected only c left in queue, got %v", got)
	}
}

func TestSweepRemovingAllLeavesQueueEmpty(t *testing.T) {
	q := New()
	a, b := newTask(1), newTask(2)
	q.Enqueue(a)
	q.Enqueue(b)

	q.Sweep(func(t *task.Task) bool { return true })

	if !q.Empty() {
		t.Fatal("expected queue to be empty after sweeping out every task")
	}
	if a.CurrentQueue != nil || b.CurrentQueue != nil {
		t.Fatal("expected removed tasks to have their queue link cleared")
	}
}
