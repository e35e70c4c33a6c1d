// Package ksync implements the semaphore and mutex blocking primitives:
// component C10. Grounded on original_source's tasks/locking.c.
package ksync

import (
	"github.com/islay-os/kernel/internal/klog"
	"github.com/islay-os/kernel/internal/task"
	"github.com/islay-os/kernel/internal/taskqueue"
)

var log = klog.New("LOCKING", klog.Info, nil)

// ArchInterrupts is the narrow arch surface ksync needs directly, for the
// pre-scheduler-init path where disabling interrupts is the only mutual
// exclusion available.
type ArchInterrupts interface {
	EnableInterrupts()
	DisableInterrupts()
}

// Scheduler is the callback surface ksync needs from internal/sched, kept
// as an interface to avoid a sched->ksync->sched import cycle (sched's
// critical section and task blocking primitives live in internal/sched).
type Scheduler interface {
	Initialized() bool
	CurrentTask() *task.Task
	CriticalSectionStart() (wasEnabled bool)
	CriticalSectionEnd(wasEnabled bool)
	BlockTask(reason task.BlockReason)
	UnblockTask(t *task.Task)
}

// Semaphore bounds concurrent holders to maxCount, queueing any task that
// acquires it while already at capacity.
type Semaphore struct {
	maxCount     int
	currentCount int
	waitingTasks *taskqueue.Queue
}

// NewSemaphore returns a semaphore that allows up to maxCount concurrent
// holders.
func NewSemaphore(maxCount int) *Semaphore {
	return &Semaphore{maxCount: maxCount, waitingTasks: taskqueue.New()}
}

// Mutex is a semaphore of capacity 1 with lock/unlock naming.
type Mutex struct {
	sem *Semaphore
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: NewSemaphore(1)}
}

// Manager supplies the scheduler and architecture hooks semaphore
// operations need, the Go counterpart of locking.c's reliance on the
// file-scope current_task/scheduler_initialised globals.
type Manager struct {
	a   ArchInterrupts
	sch Scheduler
}

// NewManager returns a Manager backed by a and sch.
func NewManager(a ArchInterrupts, sch Scheduler) *Manager {
	return &Manager{a: a, sch: sch}
}

// Acquire blocks the current task until it can take a slot in sem.
func (m *Manager) Acquire(sem *Semaphore) {
	// Before the scheduler is initialised, mutual exclusion is guaranteed
	// by disabling interrupts, since the core runs single-threaded.
	if !m.sch.Initialized() {
		m.a.DisableInterrupts()
		return
	}

	current := m.sch.CurrentTask()
	if current.Status&task.StatusInterrupt != 0 {
		panic("ksync: attempted to acquire a semaphore/mutex within an interrupt")
	}

	wasEnabled := m.sch.CriticalSectionStart()

	if sem.currentCount < sem.maxCount {
		sem.currentCount++
		log.Debug("tid=%d acquired semaphore", current.Tid)
	} else {
		log.Debug("tid=%d failed to acquire semaphore, blocking", current.Tid)
		sem.waitingTasks.Enqueue(current)
		m.sch.BlockTask(task.BlockReasonLockWait)
	}

	m.sch.CriticalSectionEnd(wasEnabled)
}

// Release gives up the current task's hold on sem, unblocking the next
// waiter if any, otherwise marking one more slot free.
func (m *Manager) Release(sem *Semaphore) {
	if !m.sch.Initialized() {
		m.a.EnableInterrupts()
		return
	}

	current := m.sch.CurrentTask()
	if current.Status&task.StatusInterrupt != 0 {
		panic("ksync: attempted to release a semaphore/mutex within an interrupt")
	}

	wasEnabled := m.sch.CriticalSectionStart()
	log.Debug("tid=%d released semaphore", current.Tid)

	if !sem.waitingTasks.Empty() {
		waiter := sem.waitingTasks.Dequeue()
		m.sch.UnblockTask(waiter)
	} else {
		sem.currentCount--
	}

	m.sch.CriticalSectionEnd(wasEnabled)
}

// Lock acquires mu, blocking the current task if it's already held.
func (m *Manager) Lock(mu *Mutex) {
	m.Acquire(mu.sem)
}

// Unlock releases mu.
func (m *Manager) Unlock(mu *Mutex) {
	m.Release(mu.sem)
}
