// Package arch is the narrow contract the core depends on but does not
// implement: mapping pages, flushing the TLB, masking interrupts, switching
// thread context and writing to the debug sink. The boot/GDT/IDT assembly,
// PIC/PIT/serial drivers and the concrete i386 implementation of this
// interface live outside this module; internal/archtest provides an
// in-memory stand-in for tests.
package arch

// PageFlags are the low 12 bits stored alongside a page table entry's
// physical address, mirroring the flags argument to the original
// map_page(physaddr, virtaddr, flags).
type PageFlags uint16

const (
	// Writable marks the mapping read-write; without it the page is
	// read-only. Bit 0 is the present bit, which paging sets itself.
	Writable PageFlags = 1 << (iota + 1)
	// User allows ring-3 access to the mapping. Unused while there is no
	// user mode, kept because it is part of the flags word's layout.
	User
)

// Registers is the architecture-dependent thread context saved and
// restored across a context switch. Field layout mirrors
// original_source's struct thread_regs for i386: the stack pointer, the
// page directory base and the kernel stack top used to enter ring 0 on
// the next interrupt.
type Registers struct {
	ESP  uintptr
	CR3  uintptr
	ESP0 uintptr
}

// MemmapSegmentMax is the size of the fixed memory map array the boot
// loader hands off. BootData.Segments is a slice, and its length is not
// checked against this value.
const MemmapSegmentMax = 32

// MemorySegment describes one usable region of physical memory reported by
// the boot loader.
type MemorySegment struct {
	Base   uintptr
	Length uintptr
}

// BootData is everything the architecture layer hands the core at boot,
// standing in for the linker symbols and multiboot memory map the original
// reads directly.
type BootData struct {
	KernelStart    uintptr
	KernelEnd      uintptr
	HigherHalfAddr uintptr

	InitrdBase uintptr
	InitrdSize uintptr

	MemorySize uintptr
	Segments   []MemorySegment
}

// Interface is the set of operations the core requires from the
// architecture and device layer. A production build satisfies it with real
// i386 assembly and PIC/PIT drivers; tests satisfy it with archtest.
//
// Walking the page directory itself (internal/paging) is core logic, not an
// architecture primitive: on i386 the directory and its tables are plain
// memory reachable through the linear map, so only the CPU instruction that
// flushes a stale translation needs to cross the arch boundary.
type Interface interface {
	// TLBInvalidate flushes any cached translation for virtaddr.
	TLBInvalidate(virtaddr uintptr)

	// EnableInterrupts and DisableInterrupts mask/unmask maskable
	// interrupts unconditionally.
	EnableInterrupts()
	DisableInterrupts()

	// GetAndDisableInterrupts disables interrupts and returns whether they
	// were enabled beforehand, so the caller can restore that state with
	// RestoreInterrupts.
	GetAndDisableInterrupts() bool
	RestoreInterrupts(wasEnabled bool)

	// WaitForInterrupt halts the CPU until the next interrupt arrives.
	WaitForInterrupt()

	// SwitchTo saves the caller's register state into old and loads the
	// state from new, transferring execution to the task owning new.
	SwitchTo(new, old *Registers)

	// InitTaskRegisters builds the register set for a brand new kernel
	// thread whose stack begins at stackTop, mirroring
	// create_thread_regs_with_stack: on real hardware this also writes the
	// initial stack frame so the first SwitchTo into the task resumes at
	// its trampoline; that frame layout is assembly the Go core does not
	// model, so only the register bookkeeping crosses this boundary.
	InitTaskRegisters(stackTop uintptr) Registers

	// InitRootRegisters builds the register set for the thread already
	// executing at boot, mirroring create_initial_thread_regs.
	InitRootRegisters() Registers

	// DebugWrite emits raw bytes to the architecture's debug sink (a
	// serial port in production).
	DebugWrite(p []byte)
}
