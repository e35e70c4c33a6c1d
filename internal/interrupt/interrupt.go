// Package interrupt implements the two-level (top half / bottom half)
// interrupt dispatcher: component C5. Grounded on original_source's
// tasks/interrupts.c.
package interrupt

import (
	"sync/atomic"

	"github.com/islay-os/kernel/internal/kerr"
	"github.com/islay-os/kernel/internal/klog"
)

var log = klog.New("INTERRUPT", klog.Info, nil)

// NVectors bounds the number of interrupt vectors the dispatcher routes,
// matching ARCH_N_INTERRUPTS.
const NVectors = 256

// TopHalf runs atomically, with interrupts disabled. It must be fast and
// non-blocking.
type TopHalf func(vector uint32)

// BottomHalf runs reentrantly, with interrupts enabled, serialized with
// respect to other bottom halves on the same CPU.
type BottomHalf func(vector uint32)

const (
	flagEnabled uint32 = 1 << iota
	flagQueued
)

func orFlag(flags *uint32, bit uint32) {
	for {
		old := atomic.LoadUint32(flags)
		if atomic.CompareAndSwapUint32(flags, old, old|bit) {
			return
		}
	}
}

func andFlag(flags *uint32, mask uint32) {
	for {
		old := atomic.LoadUint32(flags)
		if atomic.CompareAndSwapUint32(flags, old, old&mask) {
			return
		}
	}
}

// entry holds the per-vector handler configuration and pending-queue
// linkage, the Go counterpart of struct interrupt_entry.
type entry struct {
	topHalf    TopHalf
	bottomHalf BottomHalf
	flags      uint32 // atomic
	next       *entry // pending bottom-half queue linkage
}

// Scheduler is the callback surface the dispatcher needs from
// internal/sched, kept as an interface to avoid a sched->interrupt->sched
// import cycle.
type Scheduler interface {
	StartOfInterrupt()
	EndOfInterrupt()
}

// ArchInterrupts is the slice of arch.Interface the dispatcher itself
// needs, kept narrow so tests can supply a minimal double.
type ArchInterrupts interface {
	EnableInterrupts()
	DisableInterrupts()
}

// Dispatcher routes architecture interrupt vectors to registered top/bottom
// half handlers, the Go counterpart of interrupts.c's file-level globals.
type Dispatcher struct {
	a   ArchInterrupts
	sch Scheduler

	table [NVectors]entry
	level uint32

	queueHead, queueTail *entry
}

// New returns a Dispatcher with every vector disabled.
func New(a ArchInterrupts, sch Scheduler) *Dispatcher {
	return &Dispatcher{a: a, sch: sch}
}

// Register installs top and/or bottom half handlers for vector. At least
// one of top, bottom must be non-nil.
func (d *Dispatcher) Register(vector uint32, top TopHalf, bottom BottomHalf) error {
	if vector >= NVectors {
		log.Warn("invalid interrupt number %d", vector)
		return kerr.EINVAL
	}
	if top == nil && bottom == nil {
		log.Warn("both top and bottom handlers are nil")
		return kerr.EINVAL
	}

	e := &d.table[vector]
	if atomic.LoadUint32(&e.flags)&flagEnabled != 0 {
		log.Warn("trying to overwrite existing interrupt %d", vector)
		return kerr.EALREADY
	}

	e.topHalf = top
	e.bottomHalf = bottom
	e.next = nil
	atomic.StoreUint32(&e.flags, flagEnabled)
	return nil
}

// Dispatch is the architecture stub's entry point for vector v, called with
// interrupts already disabled. It implements the dispatch sequence from
// generic_interrupt_handler: increment level, run the top half, either run
// or queue the bottom half depending on level, and at level 1 drain the
// pending queue before notifying the scheduler and decrementing level.
func (d *Dispatcher) Dispatch(v uint32) {
	d.level++
	if d.level > 2 {
		panic("interrupt: nested interrupt level exceeds 2")
	}
	defer func() { d.level-- }()

	d.sch.StartOfInterrupt()

	e := &d.table[v]
	if atomic.LoadUint32(&e.flags)&flagEnabled == 0 {
		log.Warn("unregistered interrupt %d fired, bug?", v)
		d.finish()
		return
	}

	log.Debug("N: %d, L: %d", v, d.level)

	if e.topHalf != nil {
		e.topHalf(v)
	}

	if d.level == 2 {
		d.enqueueBottomHalf(e)
		return // level2end: no scheduler notification, the level-1 frame will do it
	}

	if e.bottomHalf != nil {
		d.a.EnableInterrupts()
		e.bottomHalf(v)
	}

	d.drainQueue()
	d.finish()
}

// enqueueBottomHalf appends e to the pending-bottom-half queue if it isn't
// already queued, for bottom halves that can't run immediately because
// another bottom half is already running (level 2).
func (d *Dispatcher) enqueueBottomHalf(e *entry) {
	if e.bottomHalf == nil || atomic.LoadUint32(&e.flags)&flagQueued != 0 {
		return
	}

	if d.queueHead == nil {
		d.queueHead = e
	} else {
		d.queueTail.next = e
	}
	d.queueTail = e
	e.next = nil
	orFlag(&e.flags, flagQueued)
}

// drainQueue runs every queued bottom half in FIFO order, disabling
// interrupts to unlink the head and enabling again to run the callback,
// matching the original's disable/unlink/enable/run loop.
func (d *Dispatcher) drainQueue() {
	for {
		d.a.DisableInterrupts()
		e := d.queueHead
		if e == nil {
			return // always exits with interrupts disabled
		}

		d.queueHead = e.next
		if d.queueHead == nil {
			d.queueTail = nil
		}
		e.next = nil

		vector := d.vectorOf(e)

		d.a.EnableInterrupts()
		e.bottomHalf(vector)

		andFlag(&e.flags, ^flagQueued)
	}
}

func (d *Dispatcher) vectorOf(e *entry) uint32 {
	for i := range d.table {
		if &d.table[i] == e {
			return uint32(i)
		}
	}
	panic("interrupt: queued entry not found in table")
}

// finish notifies the scheduler that the interrupt is ending, skipped at
// level 2 since the level-1 frame that's still running will do it once it
// unwinds.
func (d *Dispatcher) finish() {
	if d.level == 2 {
		return
	}
	d.sch.EndOfInterrupt()
}

// Level reports the current interrupt nesting level (0 outside any
// interrupt).
func (d *Dispatcher) Level() uint32 {
	return d.level
}
