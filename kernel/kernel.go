// Package kernel is core_init: the one place that constructs every
// component (C1-C10) in dependency order, plus the core's fatal-error
// path. Grounded on original_source/kernel/kernel.c's kmain/kpanic, which
// play the same composing role across the original's own init functions.
package kernel

import (
	"fmt"

	"github.com/islay-os/kernel/internal/arch"
	"github.com/islay-os/kernel/internal/heap"
	"github.com/islay-os/kernel/internal/interrupt"
	"github.com/islay-os/kernel/internal/klog"
	"github.com/islay-os/kernel/internal/ksync"
	"github.com/islay-os/kernel/internal/paging"
	"github.com/islay-os/kernel/internal/pmm"
	"github.com/islay-os/kernel/internal/sched"
	"github.com/islay-os/kernel/internal/task"
	"github.com/islay-os/kernel/internal/timer"
	"github.com/islay-os/kernel/internal/vmm"
)

var log = klog.New("KERNEL", klog.Info, nil)

// Kernel holds every subsystem once booted, the Go counterpart of the
// original's collection of file-scope singletons (the_page_frame_manager,
// the_vmem_manager, the_heap_allocator, ...) gathered into one owned value
// instead of package-level state.
type Kernel struct {
	Arch    arch.Interface
	Frames  *pmm.Manager
	Paging  *paging.Directory
	VMM     *vmm.Manager
	Heap    *heap.Heap
	Timer   *timer.Timer
	Tasks   *task.Manager
	Sched   *sched.Manager
	Sync    *ksync.Manager
	Irq     *interrupt.Dispatcher
}

// heapPageSource adapts vmm.Manager to heap.PageSource: the heap always
// grows with zeroed, low-memory pages, the Go analogue of the original's
// heap_allocator.c calling vmem_request_free_pages(FPO_CLEAR, ...) directly.
type heapPageSource struct {
	vmm *vmm.Manager
}

func (s heapPageSource) RequestPages(nBytes uint) []byte {
	n := (uint(nBytes) + pagesPerGroupBytes - 1) / pagesPerGroupBytes
	length := uintptr(n) * pagesPerGroupBytes
	virt := s.vmm.RequestFreePages(vmm.Clear, n)
	if virt == 0 {
		return nil
	}
	return s.vmm.Bytes(virt, length)
}

const pagesPerGroupBytes = 8 * 4096

// Boot composes every subsystem over the memory map and architecture
// handle supplied by the boot loader, mirroring the sequence original_
// source's kmain runs: frame allocator, then paging/vmm, then the heap,
// then timer/tasks/scheduler/locking/interrupts. root is the TCB for the
// thread already executing (the Go analogue of create_initial_thread_regs
// plus the first task_list entry kmain installs for itself).
func Boot(a arch.Interface, boot arch.BootData, ram []byte) *Kernel {
	segments := make([]pmm.Segment, len(boot.Segments))
	for i, s := range boot.Segments {
		segments[i] = pmm.Segment{Base: s.Base, Length: s.Length}
	}
	frames := pmm.New(boot.MemorySize, segments, boot.KernelStart, boot.KernelEnd)

	// Populate page tables covering the linear map of all of RAM, standing
	// in for the boot loader's pre-populated higher-half page directory.
	dir := paging.NewDirectory(a)
	for virt := boot.HigherHalfAddr; virt < boot.HigherHalfAddr+boot.MemorySize; virt += 1 << 22 {
		dir.PopulateTable(uint32(virt>>22), &paging.Table{})
	}
	vm := vmm.New(frames, dir, ram, boot.HigherHalfAddr)

	h := heap.New(heapPageSource{vmm: vm})

	tmr := timer.New()
	tasks := task.NewManager(a, vm)
	sch := sched.NewManager(a, tasks, tmr)
	sy := ksync.NewManager(a, sch)
	irq := interrupt.New(a, sch)

	root := tasks.CreateRootTask()
	sch.Init(root)

	log.Info("boot complete: %d bytes ram, kernel [0x%x, 0x%x)", boot.MemorySize, boot.KernelStart, boot.KernelEnd)

	return &Kernel{
		Arch: a, Frames: frames, Paging: dir, VMM: vm, Heap: h,
		Timer: tmr, Tasks: tasks, Sched: sch, Sync: sy, Irq: irq,
	}
}

// panicHook, when non-nil, replaces Panic's halt loop. Tests install one to
// exercise fatal-error paths without hanging the test binary; production
// code never sets it.
var panicHook func(msg string)

// SetPanicHook installs fn as the panic handler in place of the real
// halt-forever loop, for tests. Passing nil restores the default behavior.
func SetPanicHook(fn func(msg string)) {
	panicHook = fn
}

// Panic formats msg, writes it to the architecture debug sink, then halts
// the core forever. Grounded on kpanic() throughout original_source: every
// unrecoverable condition the core detects funnels through here rather
// than unwinding, since there is no supervisor to recover to.
func (k *Kernel) Panic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	k.Arch.DebugWrite([]byte("PANIC: " + msg + "\n"))
	log.Info("PANIC: %s", msg)
	k.Arch.DisableInterrupts()

	if panicHook != nil {
		panicHook(msg)
		return
	}

	for {
		k.Arch.WaitForInterrupt()
	}
}
