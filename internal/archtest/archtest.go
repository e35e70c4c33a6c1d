// Package archtest is an in-memory stand-in for internal/arch.Interface,
// backed by plain Go slices and maps. It lets paging, vmm, task, sched and
// kernel be unit tested without real i386 hardware, the same role the
// teacher's board-specific *_qemu.go files play during development.
package archtest

import (
	"bytes"
	"sort"

	"github.com/islay-os/kernel/internal/arch"
)

// Arch is a fully in-memory implementation of arch.Interface. The zero
// value is ready to use.
type Arch struct {
	DebugLog bytes.Buffer

	interruptsEnabled bool
	invalidated       []uintptr

	// Switches records each SwitchTo call's arguments in order, letting
	// scheduler tests assert on context-switch sequencing without a real
	// CPU performing the jump.
	Switches []Switch

	// current is the currently "running" register set, advanced by
	// SwitchTo so test doubles can thread fake stack/return state through.
	current *arch.Registers

	// OnWaitForInterrupt, when set, runs on every WaitForInterrupt call.
	// Scheduler tests use it to simulate a timer ISR unblocking a task
	// while the idle loop polls with interrupts enabled, so the loop
	// terminates instead of spinning forever with no real CPU behind it.
	OnWaitForInterrupt func()
}

// Switch records one SwitchTo invocation.
type Switch struct {
	New, Old *arch.Registers
}

// New returns a fresh Arch with interrupts initially enabled, matching the
// state the core expects immediately after boot handoff.
func New() *Arch {
	return &Arch{interruptsEnabled: true}
}

func (a *Arch) TLBInvalidate(virtaddr uintptr) {
	a.invalidated = append(a.invalidated, virtaddr)
}

// Invalidated returns the addresses passed to TLBInvalidate, in call order.
func (a *Arch) Invalidated() []uintptr {
	out := make([]uintptr, len(a.invalidated))
	copy(out, a.invalidated)
	return out
}

func (a *Arch) EnableInterrupts()  { a.interruptsEnabled = true }
func (a *Arch) DisableInterrupts() { a.interruptsEnabled = false }

func (a *Arch) InterruptsEnabled() bool { return a.interruptsEnabled }

func (a *Arch) GetAndDisableInterrupts() bool {
	was := a.interruptsEnabled
	a.interruptsEnabled = false
	return was
}

func (a *Arch) RestoreInterrupts(wasEnabled bool) {
	a.interruptsEnabled = wasEnabled
}

// WaitForInterrupt invokes OnWaitForInterrupt if set; there is no real CPU
// to halt, so tests drive interrupt delivery explicitly through the hook.
func (a *Arch) WaitForInterrupt() {
	if a.OnWaitForInterrupt != nil {
		a.OnWaitForInterrupt()
	}
}

func (a *Arch) SwitchTo(new, old *arch.Registers) {
	a.Switches = append(a.Switches, Switch{New: new, Old: old})
	a.current = new
}

// Current returns the register set most recently switched to, or nil
// before the first SwitchTo.
func (a *Arch) Current() *arch.Registers { return a.current }

// InitTaskRegisters returns a Registers set with ESP/ESP0 pinned to
// stackTop and CR3 left zero, since every test task shares the same
// (nonexistent) page directory.
func (a *Arch) InitTaskRegisters(stackTop uintptr) arch.Registers {
	return arch.Registers{ESP: stackTop, ESP0: stackTop}
}

// InitRootRegisters returns the zero Registers, matching
// create_initial_thread_regs leaving esp/esp0 to be filled in by the first
// context switch away from the root task.
func (a *Arch) InitRootRegisters() arch.Registers {
	return arch.Registers{}
}

func (a *Arch) DebugWrite(p []byte) {
	a.DebugLog.Write(p)
}

var _ arch.Interface = (*Arch)(nil)

// SortedInvalidated returns Invalidated() sorted, for tests that don't care
// about call order.
func (a *Arch) SortedInvalidated() []uintptr {
	out := a.Invalidated()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
