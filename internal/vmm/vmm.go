// Package vmm composes internal/pmm and internal/paging into "give me N
// pages of usable, mapped memory" and its inverse: component C3. Grounded
// on original_source's vmem_manager.c.
package vmm

import (
	"github.com/islay-os/kernel/internal/arch"
	"github.com/islay-os/kernel/internal/kerr"
	"github.com/islay-os/kernel/internal/klog"
	"github.com/islay-os/kernel/internal/paging"
	"github.com/islay-os/kernel/internal/pmm"
)

const pageSize = 4096

// Options selects allocation behavior for RequestFreePage(s), mirroring the
// fpo bitmask accepted by vmem_request_free_page.
type Options uint8

const (
	// HighMem requests memory outside the linear-mapped region. Reserved:
	// not yet implemented, requesting it panics.
	HighMem Options = 1 << iota
	// Clear zeroes the allocated pages before returning them.
	Clear
)

var log = klog.New("VMM", klog.Info, nil)

// Manager hands out kernel-visible virtual addresses backed by physical
// frames, using the linear map for low memory: virt = P2L(phys).
type Manager struct {
	frames *pmm.Manager
	pages  *paging.Directory
	ram    []byte // backing store for the linear-mapped low memory region

	higherHalfAddr uintptr
}

// New builds a Manager over frames and pages. ram must be large enough to
// back every physical address frames can allocate; higherHalfAddr is the
// offset added to a physical address to obtain its linear virtual address.
func New(frames *pmm.Manager, pages *paging.Directory, ram []byte, higherHalfAddr uintptr) *Manager {
	return &Manager{frames: frames, pages: pages, ram: ram, higherHalfAddr: higherHalfAddr}
}

// P2L converts a physical address to its linear-mapped virtual address.
func (m *Manager) P2L(phys uintptr) uintptr { return phys + m.higherHalfAddr }

// Bytes returns the live byte slice backing length bytes at virt, for
// callers (internal/heap) that need to read and write memory directly
// rather than work in terms of addresses the way paging/pmm do. virt and
// length must fall within a region previously returned by
// RequestFreePage(s).
func (m *Manager) Bytes(virt, length uintptr) []byte {
	phys := m.L2P(virt)
	return m.ram[phys : phys+length]
}

// L2P converts a linear-mapped virtual address back to its physical
// address.
func (m *Manager) L2P(virt uintptr) uintptr { return virt - m.higherHalfAddr }

// RequestFreePage allocates a single page and returns its virtual address,
// or 0 on failure.
func (m *Manager) RequestFreePage(opts Options) uintptr {
	if opts&HighMem != 0 {
		panic("vmm: RequestFreePage: highmem not yet implemented")
	}

	physaddr := m.frames.AllocPage(0)
	if physaddr == 0 {
		log.Debug("%s: frame allocator exhausted", kerr.ENOMEM)
		return 0
	}

	virtaddr := m.P2L(physaddr)
	m.pages.Map(physaddr, virtaddr, arch.Writable)

	if opts&Clear != 0 {
		m.zero(physaddr, pageSize)
	}

	log.Debug("requested page: phys=0x%x virt=0x%x", physaddr, virtaddr)
	return virtaddr
}

// RequestFreePages allocates 8*n pages and returns the virtual address of
// the first, or 0 on failure. Contiguity is only guaranteed for low memory.
func (m *Manager) RequestFreePages(opts Options, n uint) uintptr {
	if opts&HighMem != 0 {
		panic("vmm: RequestFreePages: highmem not yet implemented")
	}

	physaddr := m.frames.AllocPages(0, n)
	if physaddr == 0 {
		log.Debug("%s: frame allocator exhausted for %d-page group", kerr.ENOMEM, n)
		return 0
	}

	virtaddr := m.P2L(physaddr)
	npages := n * pmm.FramesPerGroup
	for i := uint(0); i < npages; i++ {
		off := uintptr(i) * pageSize
		m.pages.Map(physaddr+off, virtaddr+off, arch.Writable)
	}

	if opts&Clear != 0 {
		m.zero(physaddr, uintptr(npages)*pageSize)
	}

	log.Debug("requested %d pages: phys=0x%x virt=0x%x", npages, physaddr, virtaddr)
	return virtaddr
}

// FreePage unmaps and releases the page at addr, previously returned by
// RequestFreePage.
func (m *Manager) FreePage(addr uintptr) {
	paddr := m.L2P(addr)
	m.pages.Unmap(addr)
	m.frames.Free(paddr, 0)
}

// FreePages unmaps and releases the 8*n page segment starting at addr,
// previously returned by RequestFreePages.
func (m *Manager) FreePages(addr uintptr, n uint) {
	paddr := m.L2P(addr)
	npages := n * pmm.FramesPerGroup
	for i := uint(0); i < npages; i++ {
		m.pages.Unmap(addr + uintptr(i)*pageSize)
	}
	m.frames.Free(paddr, n)
}

func (m *Manager) zero(physaddr, length uintptr) {
	for i := uintptr(0); i < length; i++ {
		m.ram[physaddr+i] = 0
	}
}
