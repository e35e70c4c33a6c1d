package task

import (
	"testing"

	"github.com/islay-os/kernel/internal/archtest"
	"github.com/islay-os/kernel/internal/vmm"
)

// fakeStacks hands out distinct fake stack addresses without touching real
// memory, standing in for vmm.Manager in task-factory tests.
type fakeStacks struct {
	next  uintptr
	freed []uintptr
}

func (s *fakeStacks) RequestFreePage(opts vmm.Options) uintptr {
	s.next += 0x1000
	return s.next
}

func (s *fakeStacks) FreePage(addr uintptr) {
	s.freed = append(s.freed, addr)
}

func newTestManager() (*Manager, *fakeStacks) {
	stacks := &fakeStacks{}
	return NewManager(archtest.New(), stacks), stacks
}

func TestCreateRootTaskStartsRunning(t *testing.T) {
	m, _ := newTestManager()
	root := m.CreateRootTask()
	if root.State != Running {
		t.Fatalf("expected root task to start Running, got %v", root.State)
	}
	if root.Tid == 0 {
		t.Fatal("expected a nonzero tid")
	}
}

func TestCreateTaskStartsBlocked(t *testing.T) {
	m, _ := newTestManager()
	m.CreateRootTask()
	ran := false
	tk := m.CreateTask(func() { ran = true })
	if tk == nil {
		t.Fatal("expected task creation to succeed")
	}
	if tk.State != Blocked {
		t.Fatalf("expected new task to start Blocked, got %v", tk.State)
	}
	tk.Entry()
	if !ran {
		t.Fatal("expected Entry to invoke the supplied function")
	}
}

func TestTidsAreUniqueAndIncreasing(t *testing.T) {
	m, _ := newTestManager()
	root := m.CreateRootTask()
	a := m.CreateTask(func() {})
	b := m.CreateTask(func() {})
	if a.Tid == root.Tid || b.Tid == a.Tid {
		t.Fatalf("expected unique tids, got root=%d a=%d b=%d", root.Tid, a.Tid, b.Tid)
	}
	if !(root.Tid < a.Tid && a.Tid < b.Tid) {
		t.Fatalf("expected increasing tids, got root=%d a=%d b=%d", root.Tid, a.Tid, b.Tid)
	}
}

func TestGetIncrementsRefCountAndFindsLiveTask(t *testing.T) {
	m, _ := newTestManager()
	tk := m.CreateTask(func() {})

	got := m.Get(tk.Tid)
	if got != tk {
		t.Fatal("expected Get to return the same task")
	}
	if got.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", got.RefCount())
	}
	got.Put()
	if got.RefCount() != 0 {
		t.Fatalf("expected refcount 0 after Put, got %d", got.RefCount())
	}
}

func TestGetReturnsNilForTerminatedTask(t *testing.T) {
	m, _ := newTestManager()
	tk := m.CreateTask(func() {})
	tk.State = Terminated
	if m.Get(tk.Tid) != nil {
		t.Fatal("expected Get to return nil for a terminated task")
	}
}

func TestGetReturnsNilForUnknownTid(t *testing.T) {
	m, _ := newTestManager()
	if m.Get(Tid(9999)) != nil {
		t.Fatal("expected Get to return nil for an unknown tid")
	}
}

func TestGetReturnsNilForZeroTid(t *testing.T) {
	m, _ := newTestManager()
	if m.Get(Tid(0)) != nil {
		t.Fatal("expected Get(0) to return nil")
	}
}

func TestFreeReleasesStackAndRemovesFromTaskList(t *testing.T) {
	m, stacks := newTestManager()
	tk := m.CreateTask(func() {})
	tk.State = Terminated

	m.Free(tk)
	if len(stacks.freed) != 1 || stacks.freed[0] != tk.KStackBottom {
		t.Fatalf("expected stack 0x%x to be freed, got %v", tk.KStackBottom, stacks.freed)
	}
}

func TestFreeNonTerminatedTaskPanics(t *testing.T) {
	m, _ := newTestManager()
	tk := m.CreateTask(func() {})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a non-terminated task")
		}
	}()
	m.Free(tk)
}

func TestFreeTaskStillReferencedPanics(t *testing.T) {
	m, _ := newTestManager()
	tk := m.CreateTask(func() {})
	tk.State = Terminated
	tk.Get()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a task with nonzero refcount")
		}
	}()
	m.Free(tk)
}
