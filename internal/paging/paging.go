// Package paging is the page-directory walk that backs map_page/unmap_page:
// component C2. Grounded on original_source's arch/i386/paging.c. The
// directory and its tables are ordinary memory reachable through the
// linear map, so the walk itself needs no architecture-specific code; only
// the TLB flush after a successful change crosses into internal/arch.
package paging

import (
	"fmt"

	"github.com/islay-os/kernel/internal/arch"
	"github.com/islay-os/kernel/internal/klog"
)

const (
	pageSize    = 4096
	entriesPerTable = 1024

	presentBit = 0x001
	flagsMask  = 0xfff
)

var log = klog.New("PAGING", klog.Info, nil)

// Table is one page table's worth of entries: physical address | flags.
type Table [entriesPerTable]uint32

// Directory is the top-level page directory plus the page tables it
// references. Entry i of dir is non-zero once PopulateTable(i, ...) has
// been called; Map and Unmap into an unpopulated slot panic, matching the
// original's "Writing to no existing PDT entry" check, while Lookup
// reports no mapping.
type Directory struct {
	dir    [entriesPerTable]uint32
	tables map[uint32]*Table
	arch   arch.Interface
}

// NewDirectory creates an empty directory. arch is used only for the TLB
// flush that follows a successful map/unmap.
func NewDirectory(a arch.Interface) *Directory {
	return &Directory{tables: make(map[uint32]*Table), arch: a}
}

// PopulateTable installs table as the page table backing directory index
// dirIndex, analogous to the boot loader pre-populating boot_page_directory
// before the core ever calls Map.
func (d *Directory) PopulateTable(dirIndex uint32, table *Table) {
	d.tables[dirIndex] = table
	d.dir[dirIndex] = presentBit
}

func split(virtaddr uintptr) (dirIndex, tableIndex uint32) {
	dirIndex = uint32(virtaddr>>22) & 0x3ff
	tableIndex = uint32(virtaddr>>12) & 0x3ff
	return
}

// Map installs a mapping from physaddr to virtaddr with the given flags,
// then invalidates the TLB entry for virtaddr. Panics if the directory slot
// for virtaddr has no page table, or if the slot is already occupied.
func (d *Directory) Map(physaddr, virtaddr uintptr, flags arch.PageFlags) {
	dirIndex, tableIndex := split(virtaddr)

	if d.dir[dirIndex] == 0 {
		panic(fmt.Sprintf("paging: Map: no page table at directory index %d", dirIndex))
	}
	table := d.tables[dirIndex]
	if table[tableIndex] != 0 {
		panic(fmt.Sprintf("paging: Map: overwrite at vaddr 0x%x", virtaddr))
	}

	table[tableIndex] = uint32(physaddr) | (uint32(flags) & flagsMask) | presentBit
	d.arch.TLBInvalidate(virtaddr)
	log.Debug("mapped 0x%x -> 0x%x flags=%#x", virtaddr, physaddr, flags)
}

// Unmap clears the mapping for virtaddr and invalidates the TLB entry.
// Panics if the directory slot has no page table, or the slot is already
// empty.
func (d *Directory) Unmap(virtaddr uintptr) {
	dirIndex, tableIndex := split(virtaddr)

	if d.dir[dirIndex] == 0 {
		panic(fmt.Sprintf("paging: Unmap: no page table at directory index %d", dirIndex))
	}
	table := d.tables[dirIndex]
	if table[tableIndex] == 0 {
		panic(fmt.Sprintf("paging: Unmap: vaddr 0x%x already unmapped", virtaddr))
	}

	table[tableIndex] = 0
	d.arch.TLBInvalidate(virtaddr)
	log.Debug("unmapped 0x%x", virtaddr)
}

// Lookup returns the physical address mapped to virtaddr and whether a
// mapping exists, without panicking. Used by vmm to implement L2P.
func (d *Directory) Lookup(virtaddr uintptr) (uintptr, bool) {
	dirIndex, tableIndex := split(virtaddr)
	if d.dir[dirIndex] == 0 {
		return 0, false
	}
	entry := d.tables[dirIndex][tableIndex]
	if entry == 0 {
		return 0, false
	}
	return uintptr(entry &^ flagsMask), true
}
