// Package task defines the task control block and its factory: component
// C7. Grounded on original_source's include/tasks/task.h and tasks/tasks.c.
package task

import (
	"container/list"
	"sync/atomic"

	"github.com/islay-os/kernel/internal/arch"
	"github.com/islay-os/kernel/internal/klog"
	"github.com/islay-os/kernel/internal/vmm"
)

var log = klog.New("TASK", klog.Info, nil)

// State is the scheduling state a task can be in.
type State int

const (
	ReadyToRun State = iota
	Running
	Blocked
	Terminated
)

// BlockReason records why a Blocked task is blocked.
type BlockReason int

const (
	BlockReasonSleep BlockReason = iota
	BlockReasonPaused
	BlockReasonLockWait
	BlockReasonIOWait
)

// Status bits, mirroring TASK_STATUS_PREEMPT/TASK_STATUS_INTERRUPT.
const (
	StatusPreempt   uint8 = 1 << 0
	StatusInterrupt uint8 = 1 << 1
)

// Tid uniquely identifies a task. Tid 0 never names a real task.
type Tid uint32

// Task is the control block shared by the scheduler, task queues and
// locking primitives. Regs sits first so it reads the same way the
// original's offset-0 assertion documents, even though nothing in this
// port reaches into the struct via raw offsets.
type Task struct {
	Regs arch.Registers

	// Entry is invoked once the scheduler first switches to this task. It
	// stands in for the original's instruction-pointer-plus-trampoline:
	// real hardware resumes execution via the stack frame InitTaskRegisters
	// writes, but this Go core models "what the task does" directly as a
	// function rather than as machine code reached through Regs.ESP.
	Entry func()

	Tid            Tid
	TaskQueueEntry *list.Element // this task's node within CurrentQueue
	CurrentQueue   *list.List    // which queue, if any, currently holds it

	refCount int32

	TaskListEntry *list.Element // this task's node within the global task list

	KStackBottom uintptr
	KStackSize   uintptr

	State       State
	BlockReason BlockReason
	SleepExpiry uint64
	TimeUsed    uint64
	Status      uint8
}

// Get increments the task's reference count, preventing the cleanup task
// from freeing it, and returns the task for chaining.
func (t *Task) Get() *Task {
	atomic.AddInt32(&t.refCount, 1)
	return t
}

// Put releases a reference taken by Get.
func (t *Task) Put() {
	atomic.AddInt32(&t.refCount, -1)
}

// RefCount reports the current reference count.
func (t *Task) RefCount() int32 {
	return atomic.LoadInt32(&t.refCount)
}

const pageSize = 4096

// StackAllocator provides the single page of kernel stack a new task needs.
// Satisfied by internal/vmm.Manager.
type StackAllocator interface {
	RequestFreePage(opts vmm.Options) uintptr
	FreePage(addr uintptr)
}

// Manager owns task identity allocation and the global task list, the Go
// counterpart of tasks.c's static task_list and alloc_tid.
type Manager struct {
	a      arch.Interface
	stacks StackAllocator

	tasks   *list.List
	lastTid Tid
}

// NewManager returns a Manager with no tasks yet created.
func NewManager(a arch.Interface, stacks StackAllocator) *Manager {
	return &Manager{a: a, stacks: stacks, tasks: list.New()}
}

func (m *Manager) allocTid() Tid {
	prev := m.lastTid
	m.lastTid++
	if m.lastTid < prev {
		panic("task: out of tids")
	}
	return m.lastTid
}

// CreateRootTask builds the TCB for the thread already executing at boot,
// whose stack was allocated during boot rather than by this manager.
func (m *Manager) CreateRootTask() *Task {
	t := &Task{
		Regs:  m.a.InitRootRegisters(),
		Tid:   m.allocTid(),
		State: Running,
	}
	t.TaskListEntry = m.tasks.PushBack(t)
	log.Debug("created root task tid=%d", t.Tid)
	return t
}

// CreateTask allocates a kernel stack and a new TCB that will run entry
// once the scheduler unblocks it. The task starts Blocked, mirroring the
// original: the scheduler doesn't know about it until the caller unblocks
// it (scheduler_unblock_task in the original's create_task). Returns nil
// if no stack page is available.
func (m *Manager) CreateTask(entry func()) *Task {
	stackBottom := m.stacks.RequestFreePage(vmm.Options(0))
	if stackBottom == 0 {
		return nil
	}

	t := &Task{
		Regs:         m.a.InitTaskRegisters(stackBottom + pageSize),
		Entry:        entry,
		Tid:          m.allocTid(),
		KStackBottom: stackBottom,
		KStackSize:   pageSize,
		State:        Blocked,
	}
	t.TaskListEntry = m.tasks.PushBack(t)
	log.Debug("created task tid=%d", t.Tid)
	return t
}

// Get looks up a live task by tid, incrementing its reference count on
// success. The caller must call Put once done. Returns nil if the tid is
// unknown or the task has already terminated.
func (m *Manager) Get(tid Tid) *Task {
	if tid == 0 {
		return nil
	}
	for e := m.tasks.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Task)
		if t.Tid == tid {
			if t.State != Terminated {
				return t.Get()
			}
			return nil
		}
	}
	return nil
}

// Free releases a terminated task's kernel stack and removes it from the
// global task list. The caller must ensure RefCount() == 0 first.
func (m *Manager) Free(t *Task) {
	if t.RefCount() != 0 {
		panic("task: freeing a task still in use")
	}
	if t.State != Terminated {
		panic("task: freeing a task that has not terminated")
	}

	m.tasks.Remove(t.TaskListEntry)
	m.stacks.FreePage(t.KStackBottom)
	log.Debug("freed task tid=%d", t.Tid)
}
