// Package pmm is the physical frame allocator: a bitmap of page frames
// handed out one at a time or in 8-frame groups. Grounded on
// original_source's page_frame_manager.c, extended with the group
// alloc/free contract the later header revision adds.
package pmm

import (
	"encoding/binary"

	"github.com/islay-os/kernel/internal/kerr"
	"github.com/islay-os/kernel/internal/klog"
)

const pageSize = 4096

// FramesPerGroup is the granularity of a "pages" allocation: AllocPages(n)
// hands out 8*n consecutive frames.
const FramesPerGroup = 8

// Options selects allocation behavior, mirroring the opts bitmask accepted
// by alloc_page/alloc_pages.
type Options uint8

const (
	// HighMem requests a frame above the low-memory linear-mapped region.
	// The frame allocator itself never special-cases it; vmm does.
	HighMem Options = 1 << iota
)

var log = klog.New("PMM", klog.Info, nil)

// Stats reports the manager's bookkeeping counters.
type Stats struct {
	MemoryAmount    uintptr
	TotalFrames     uint64
	AvailableFrames uint64
}

// Segment is a contiguous run of usable physical memory, as reported by the
// boot memory map.
type Segment struct {
	Base   uintptr
	Length uintptr
}

// Manager owns the frame bitmap for one address space's worth of physical
// memory: one bit per frame, set when the frame is available. The zero
// value is not ready for use; construct with New.
type Manager struct {
	bitmap []byte

	firstAvailableIdx uint32 // hint: byte index to resume scanning from

	memoryAmount     uintptr
	nFrames          uint64
	nAvailableFrames uint64
}

// New builds a Manager sized to cover [0, memSize), marks the supplied
// segments available, then withdraws [kernelStart, kernelEnd) so the kernel
// image itself is never handed out.
func New(memSize uintptr, segments []Segment, kernelStart, kernelEnd uintptr) *Manager {
	nBytes := (frameNumber(alignByPageSize(memSize)) + 7) / 8
	nBytes = (nBytes + 3) &^ 3 // whole 32-bit words, as findAvailableFrame scans
	if nBytes == 0 {
		nBytes = 4
	}
	m := &Manager{
		bitmap:       make([]byte, nBytes),
		memoryAmount: memSize,
	}

	for _, seg := range segments {
		m.markSegment(seg.Base, seg.Length, true)
	}
	m.nFrames = m.nAvailableFrames

	kernelLen := alignByPageSize(kernelEnd - kernelStart)
	m.markSegment(kernelStart, kernelLen, false)

	// Frame 0's address is the failure sentinel, so it is never handed out.
	if m.frameAvailable(0) {
		m.markFrame(0, false)
	}

	log.Info("initialised: %d frames total, %d available", m.nFrames, m.nAvailableFrames)
	return m
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		MemoryAmount:    m.memoryAmount,
		TotalFrames:     m.nFrames,
		AvailableFrames: m.nAvailableFrames,
	}
}

// AllocPage allocates a single physical frame, returning its base address
// or 0 on failure.
func (m *Manager) AllocPage(opts Options) uintptr {
	frame, ok := m.findAvailableFrame()
	if !ok {
		log.Info("%s: no frame available", kerr.ENOMEM)
		return 0
	}
	m.markFrame(frame, false)
	return uintptr(frame) * pageSize
}

// AllocPages allocates 8*n consecutive frames aligned to a byte boundary in
// the bitmap, returning the first frame's base address or 0 on failure.
// n must be at least 1; use AllocPage for a single frame.
func (m *Manager) AllocPages(opts Options, n uint) uintptr {
	if n == 0 {
		return m.AllocPage(opts)
	}
	startIdx, ok := m.findAvailableGroup(n)
	if !ok {
		log.Info("%s: no %d-frame group available", kerr.ENOMEM, n)
		return 0
	}
	firstFrame := startIdx * 8
	for f := firstFrame; f < firstFrame+uint32(n)*FramesPerGroup; f++ {
		m.markFrame(f, false)
	}
	return uintptr(firstFrame) * pageSize
}

// Free releases a frame (n == 0) or an 8*n frame group previously returned
// by AllocPage/AllocPages. Panics on an unaligned address or a double free.
func (m *Manager) Free(addr uintptr, n uint) {
	if addr%pageSize != 0 {
		panic("pmm: Free: unaligned address")
	}
	frame := frameNumber(addr)
	count := uint32(1)
	if n > 0 {
		count = uint32(n) * FramesPerGroup
	}
	for f := frame; f < frame+count; f++ {
		if m.frameAvailable(f) {
			panic("pmm: Free: double free")
		}
	}
	for f := frame; f < frame+count; f++ {
		m.markFrame(f, true)
	}
}

func frameNumber(addr uintptr) uint32 { return uint32(addr / pageSize) }

func alignByPageSize(n uintptr) uintptr {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func (m *Manager) frameAvailable(frame uint32) bool {
	idx := frame / 8
	bit := frame % 8
	return m.bitmap[idx]&(1<<bit) != 0
}

func (m *Manager) markFrame(frame uint32, available bool) {
	idx := frame / 8
	bit := frame % 8
	if available {
		m.bitmap[idx] |= 1 << bit
		m.nAvailableFrames++
		if idx < m.firstAvailableIdx {
			m.firstAvailableIdx = idx
		}
	} else {
		m.bitmap[idx] &^= 1 << bit
		m.nAvailableFrames--
	}
}

// markSegment marks every frame in [addr, addr+length) available or
// unavailable, used both during init and to withdraw the kernel image.
func (m *Manager) markSegment(addr, length uintptr, available bool) {
	if length == 0 {
		return
	}
	if addr%pageSize != 0 || length%pageSize != 0 {
		panic("pmm: markSegment: misaligned segment")
	}
	m.firstAvailableIdx = 0

	start := frameNumber(addr)
	end := frameNumber(addr + length)
	for f := start; f < end; f++ {
		m.markFrame(f, available)
	}
}

// findAvailableFrame scans the bitmap 4 bytes at a time starting at the
// remembered hint, falling back to a bit-by-bit scan of the first non-zero
// word found, mirroring find_available_page's 32-bit-word fast path.
func (m *Manager) findAvailableFrame() (uint32, bool) {
	i := m.firstAvailableIdx &^ 3 // round down to a multiple of 4
	for ; int(i)+4 <= len(m.bitmap); i += 4 {
		word := binary.LittleEndian.Uint32(m.bitmap[i : i+4])
		if word == 0 {
			continue
		}
		for bit := uint32(0); bit < 32; bit++ {
			if word&(1<<bit) != 0 {
				m.firstAvailableIdx = i
				return i*8 + bit, true
			}
		}
	}
	return 0, false
}

// findAvailableGroup looks for n consecutive 0xFF bytes, each representing
// a ready-made group of 8 available frames, matching the original's
// byte-granularity group search.
func (m *Manager) findAvailableGroup(n uint) (uint32, bool) {
	need := uint32(n)
	run := uint32(0)
	for i := m.firstAvailableIdx; i < uint32(len(m.bitmap)); i++ {
		if m.bitmap[i] == 0xFF {
			run++
			if run == need {
				return i - run + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}
