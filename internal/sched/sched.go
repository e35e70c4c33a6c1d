// Package sched implements the preemptive round-robin task scheduler:
// component C9. Grounded on original_source's tasks/scheduler.c. It is the
// one package that imports task, taskqueue, timer, interrupt, ksync and arch
// together; those lower packages depend only on the narrow Scheduler
// interfaces they each declare, so this import stays one-directional.
package sched

import (
	"container/list"

	"github.com/islay-os/kernel/internal/arch"
	"github.com/islay-os/kernel/internal/interrupt"
	"github.com/islay-os/kernel/internal/klog"
	"github.com/islay-os/kernel/internal/ksync"
	"github.com/islay-os/kernel/internal/task"
	"github.com/islay-os/kernel/internal/taskqueue"
	"github.com/islay-os/kernel/internal/timer"
)

var log = klog.New("SCHEDULER", klog.Info, nil)

// TimeSliceNs is the quantum a Running task runs before preemption, matching
// TIME_SLICE_NS (50ms).
const TimeSliceNs uint64 = 50_000_000

// TaskFactory is the narrow task.Manager surface sched needs: creating and
// freeing tasks. Kept as an interface so tests can supply a double.
type TaskFactory interface {
	CreateTask(entry func()) *task.Task
	Free(t *task.Task)
}

// Manager owns the ready/sleep queues and drives the round-robin scheduling
// policy, the Go counterpart of scheduler.c's file-scope globals.
type Manager struct {
	a   arch.Interface
	tm  TaskFactory
	tmr *timer.Timer

	readyQueue       *taskqueue.Queue
	sleepQueue       *taskqueue.Queue
	terminationQueue *list.List

	current        *task.Task
	lastScheduleNs uint64

	postponeDepth       int
	taskSwitchPostponed bool

	preemptionTimestampNs uint64

	haveEarliestWakeup bool
	earliestWakeupNs   uint64

	cleanupTask *task.Task
	initialized bool
}

// NewManager returns a Manager with empty queues. Call Init once a root task
// is available to start the scheduler proper.
func NewManager(a arch.Interface, tm TaskFactory, tmr *timer.Timer) *Manager {
	return &Manager{
		a:                a,
		tm:               tm,
		tmr:              tmr,
		readyQueue:       taskqueue.New(),
		sleepQueue:       taskqueue.New(),
		terminationQueue: list.New(),
	}
}

// Init makes root the currently running task, spawns the cleanup thread and
// arms the first preemption deadline, mirroring scheduler_init.
func (m *Manager) Init(root *task.Task) {
	m.current = root
	m.lastScheduleNs = m.tmr.TimeSinceBoot()

	m.cleanupTask = m.tm.CreateTask(m.cleanupThread)
	m.cleanupTask.State = task.ReadyToRun
	m.readyQueue.Enqueue(m.cleanupTask)

	m.preemptionTimestampNs = m.tmr.TimeSinceBoot() + TimeSliceNs
	m.armTimer(m.preemptionTimestampNs, m.preemptionCallback)

	m.initialized = true
	log.Info("scheduler initialised, root tid=%d cleanup tid=%d", root.Tid, m.cleanupTask.Tid)
}

// Initialized reports whether Init has run yet.
func (m *Manager) Initialized() bool { return m.initialized }

// CurrentTask returns the task presently running on this CPU.
func (m *Manager) CurrentTask() *task.Task { return m.current }

// CreateTask creates a new task that starts entry once scheduled, and makes
// it eligible to run. The task's entry point is wrapped so that returning
// from entry terminates the task automatically, matching create_task's
// caller always pairing it with scheduler_unblock_task. Returns nil if no
// kernel stack page is available.
func (m *Manager) CreateTask(entry func()) *task.Task {
	t := m.tm.CreateTask(func() {
		entry()
		m.TerminateTask()
	})
	if t == nil {
		return nil
	}
	m.UnblockTask(t)
	return t
}

// lock disables interrupts for a short read-modify-write, returning whether
// they were enabled beforehand. Unlike CriticalSectionStart it does not
// postpone a task switch; it exists only to keep a state transition atomic
// with respect to interrupts, the Go counterpart of scheduler_lock.
func (m *Manager) lock() bool {
	return m.a.GetAndDisableInterrupts()
}

func (m *Manager) unlock(wasEnabled bool) {
	m.a.RestoreInterrupts(wasEnabled)
}

// armTimer registers a timed event and logs if it was refused. The
// original never checks timer_register_timed_event's return value at any
// of its own call sites either; this port still acknowledges it, since
// unlike the original's array-growth failure this Go port's append-based
// timer heap has no real failure path to silently ignore.
func (m *Manager) armTimer(whenNs uint64, cb timer.Callback) {
	if !m.tmr.RegisterTimedEvent(whenNs, cb) {
		log.Info("timer event registration failed at %d, deadline will be missed", whenNs)
	}
}

// BlockTask marks the current task Blocked for reason and reschedules.
func (m *Manager) BlockTask(reason task.BlockReason) {
	wasEnabled := m.lock()
	m.current.State = task.Blocked
	m.current.BlockReason = reason
	m.schedule()
	m.unlock(wasEnabled)
}

// UnblockTask makes t eligible to run again, enqueueing it onto the ready
// queue unless it's already there. Does not itself force an immediate
// reschedule: t becomes eligible and runs once the current task yields,
// blocks or is preempted.
func (m *Manager) UnblockTask(t *task.Task) {
	wasEnabled := m.lock()
	if t.State != task.ReadyToRun {
		t.State = task.ReadyToRun
		m.readyQueue.Enqueue(t)
		log.Debug("unblocked tid=%d", t.Tid)
	}
	m.unlock(wasEnabled)
}

func (m *Manager) updateTimeUsed() {
	now := m.tmr.TimeSinceBoot()
	m.current.TimeUsed += now - m.lastScheduleNs
	m.lastScheduleNs = now
}

// schedule picks the next task to run and switches to it, or lets the
// current task continue if nothing else is eligible. If a task switch is
// currently postponed (we're inside a critical section), it just records
// that one is due and returns; CriticalSectionEnd runs the real switch once
// the section ends.
func (m *Manager) schedule() {
	m.updateTimeUsed()

	if m.postponeDepth > 0 {
		m.taskSwitchPostponed = true
		return
	}

	var next *task.Task
	switch {
	case !m.readyQueue.Empty():
		next = m.readyQueue.Dequeue()
	case m.current.State == task.Running:
		return
	default:
		next = m.enterIdle()
	}

	m.switchTask(next)
}

// switchTask makes next the running task, re-enqueueing the outgoing task if
// it's still runnable and arming the next preemption deadline. Only called
// from schedule(), which has already confirmed no switch is postponed.
func (m *Manager) switchTask(next *task.Task) {
	old := m.current
	if old.State == task.Running {
		old.State = task.ReadyToRun
		m.readyQueue.Enqueue(old)
	}

	if m.readyQueue.Empty() {
		m.preemptionTimestampNs = 0
	} else {
		m.preemptionTimestampNs = m.tmr.TimeSinceBoot() + TimeSliceNs
		m.armTimer(m.preemptionTimestampNs, m.preemptionCallback)
	}

	next.State = task.Running
	m.current = next

	log.Debug("switching tid=%d -> tid=%d", old.Tid, next.Tid)
	m.a.SwitchTo(&next.Regs, &old.Regs)
}

// enterIdle waits for interrupts until some task becomes ready, the Go
// counterpart of schedule's do/while loop over WaitForInterrupt.
func (m *Manager) enterIdle() *task.Task {
	for m.readyQueue.Empty() {
		m.a.EnableInterrupts()
		m.a.WaitForInterrupt()
		m.a.DisableInterrupts()
	}
	return m.readyQueue.Dequeue()
}

// CriticalSectionStart disables interrupts and postpones any task switch
// schedule decides is due until CriticalSectionEnd, so callers like ksync
// can block or unblock a task without the stack switching out from under
// them mid-operation.
func (m *Manager) CriticalSectionStart() bool {
	wasEnabled := m.a.GetAndDisableInterrupts()
	m.postponeDepth++
	return wasEnabled
}

// CriticalSectionEnd ends a section started by CriticalSectionStart,
// running the real task switch first if one was postponed during it.
func (m *Manager) CriticalSectionEnd(wasEnabled bool) {
	m.postponeDepth--
	if m.postponeDepth == 0 && m.taskSwitchPostponed {
		m.taskSwitchPostponed = false
		m.schedule()
	}
	m.a.RestoreInterrupts(wasEnabled)
}

// NanoSleepUntil blocks the current task until timeSinceBootNs reaches
// whenNs, returning immediately if that time has already passed.
func (m *Manager) NanoSleepUntil(whenNs uint64) {
	wasEnabled := m.lock()

	if whenNs <= m.tmr.TimeSinceBoot() {
		m.unlock(wasEnabled)
		return
	}

	current := m.current
	current.SleepExpiry = whenNs
	m.sleepQueue.Enqueue(current)

	if !m.haveEarliestWakeup || whenNs < m.earliestWakeupNs {
		m.haveEarliestWakeup = true
		m.earliestWakeupNs = whenNs
		m.armTimer(whenNs, m.sleepExpiryCallback)
	}

	current.State = task.Blocked
	current.BlockReason = task.BlockReasonSleep
	m.schedule()

	m.unlock(wasEnabled)
}

// sleepExpiryCallback fires when the earliest-registered sleeper's deadline
// is reached. It wakes every task whose expiry has now passed and, while
// sweeping, tracks the next-soonest expiry among those left sleeping so it
// can re-arm the timer for them, mirroring sleep_expiry_callback.
func (m *Manager) sleepExpiryCallback(timeSinceBootNs, _ uint64) {
	wasEnabled := m.lock()

	m.haveEarliestWakeup = false
	var nextWakeup uint64
	var woken []*task.Task

	m.sleepQueue.Sweep(func(t *task.Task) bool {
		if t.SleepExpiry <= timeSinceBootNs {
			woken = append(woken, t)
			return true
		}
		if !m.haveEarliestWakeup || t.SleepExpiry < nextWakeup {
			nextWakeup = t.SleepExpiry
			m.haveEarliestWakeup = true
		}
		return false
	})

	// Sweep unlinks a task from the sleep queue only after visit returns,
	// so woken tasks move to the ready queue once the sweep is done.
	for _, t := range woken {
		t.State = task.ReadyToRun
		m.readyQueue.Enqueue(t)
	}

	if m.haveEarliestWakeup {
		m.earliestWakeupNs = nextWakeup
		m.armTimer(nextWakeup, m.sleepExpiryCallback)
	}

	m.unlock(wasEnabled)
}

// preemptionCallback marks the current task as due for preemption. It does
// not itself reschedule: the deferred check happens in EndOfInterrupt, once
// interrupt nesting has fully unwound, so a task is never preempted out of
// top-half or nested-interrupt context.
func (m *Manager) preemptionCallback(_, timestampNs uint64) {
	if timestampNs != m.preemptionTimestampNs {
		return // a task switch already moved the deadline; stale callback
	}
	m.current.Status |= task.StatusPreempt
}

// StartOfInterrupt marks the current task as running inside an interrupt,
// called once per Dispatch nesting level.
func (m *Manager) StartOfInterrupt() {
	m.current.Status |= task.StatusInterrupt
}

// EndOfInterrupt clears the interrupt status bit and, if a preemption came
// due during the interrupt, reschedules now that it's safe to switch stacks.
// Dispatch only calls this from the outermost (level 1) interrupt frame.
func (m *Manager) EndOfInterrupt() {
	m.current.Status &^= task.StatusInterrupt
	if m.current.Status&task.StatusPreempt != 0 {
		m.current.Status &^= task.StatusPreempt
		m.schedule()
	}
}

// Yield gives up the remainder of the current task's time slice voluntarily.
func (m *Manager) Yield() {
	wasEnabled := m.lock()
	m.schedule()
	m.unlock(wasEnabled)
}

// TerminateTask ends the current task, moving it onto the raw termination
// list rather than a taskqueue.Queue: the cleanup thread needs to observe
// its reference count reach zero, which taskqueue.Queue's own Get on insert
// would prevent.
func (m *Manager) TerminateTask() {
	wasEnabled := m.lock()

	current := m.current
	current.CurrentQueue = m.terminationQueue
	current.TaskQueueEntry = m.terminationQueue.PushBack(current)
	current.State = task.Terminated
	current.BlockReason = 0

	if m.cleanupTask.State != task.ReadyToRun {
		m.cleanupTask.State = task.ReadyToRun
		m.readyQueue.Enqueue(m.cleanupTask)
	}

	m.schedule()
	m.unlock(wasEnabled)
}

// cleanupThread is the cleanup task's entry point: it frees terminated tasks
// once nothing else still references them, mirroring cleanup_thread.
func (m *Manager) cleanupThread() {
	for {
		m.cleanupPass()
	}
}

// cleanupPass runs one sweep of the termination queue, freeing every task
// whose reference count has dropped to zero, then either reschedules itself
// (referenced tasks remain) or blocks until TerminateTask wakes it again.
// Split out from cleanupThread's infinite loop so it can be driven directly
// in tests. Returns whether it rescheduled instead of blocking.
func (m *Manager) cleanupPass() (rescheduled bool) {
	wasEnabled := m.lock()

	for e := m.terminationQueue.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*task.Task)
		if t.RefCount() == 0 {
			m.terminationQueue.Remove(e)
			t.CurrentQueue = nil
			t.TaskQueueEntry = nil
			m.tm.Free(t)
		}
		e = next
	}

	rescheduled = m.terminationQueue.Len() > 0
	if !rescheduled {
		m.cleanupTask.State = task.Blocked
		m.cleanupTask.BlockReason = task.BlockReasonPaused
	}
	m.schedule()

	m.unlock(wasEnabled)
	return rescheduled
}

var (
	_ interrupt.Scheduler = (*Manager)(nil)
	_ ksync.Scheduler     = (*Manager)(nil)
)
