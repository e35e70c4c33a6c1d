// Package heap is the kernel's segregated, coalescing, boundary-tagged,
// first-fit allocator: component C4. Grounded on original_source's
// klib/heap_allocator.c.
//
// The block layout the original expresses through raw pointer aliasing
//
//	| start_tag | alignment padding + data (or free_list_t) | end_tag |
//
// is modeled here as integer offsets into a single growable arena
// ([]byte), with tagAt-style accessor methods doing the byte-level reads
// and writes. This keeps the exact on-wire layout (size+alloc-bit word,
// magic word, free-list {prev,next,size} triple) as one audited
// abstraction instead of scattered unsafe.Pointer casts, and makes the
// whole allocator testable on the host.
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/islay-os/kernel/internal/klog"
)

const (
	pageSize         = 4096
	npagesPerSegment = 16
	minAlloc         = npagesPerSegment * pageSize
	groupPages       = 8 * pageSize

	wordSize        = 8 // width of a size/magic field
	startTagSize    = 2 * wordSize
	endTagSize      = wordSize
	boundaryTagSize = wordSize
	tagsSize        = startTagSize + endTagSize

	// segmentHeaderSize is padding standing in for the original's
	// heap_segment_t header (next/prev/size), which this port tracks
	// out-of-band in Heap.segments instead of embedding in the arena. Its
	// size is chosen only to keep the first real block's payload
	// (segmentHeaderSize + boundaryTagSize + startTagSize bytes into the
	// segment) a multiple of alignment, exactly like the original's
	// in-arena header does for free.
	segmentHeaderSize = 8
	segmentOverhead   = segmentHeaderSize + 2*boundaryTagSize

	// alignment matches alignof(max_align_t) on i386/i686.
	alignment = 16

	allocBit = 1

	magicAlive uint64 = 0xc001c0de
	magicDead  uint64 = 0xdeadbeef

	nullField uint64 = ^uint64(0)
)

var log = klog.New("HEAP_ALLOCATOR", klog.Info, nil)

// Ptr is an opaque handle to an allocated block, the Go analogue of the
// pointer kmalloc returns. The zero value is not Null; use the exported
// Null constant.
type Ptr int

// Null is the value Alloc/Realloc return on failure and Free/Realloc treat
// as a harmless no-op, mirroring a NULL pointer.
const Null Ptr = -1

// PageSource supplies the zeroed memory the heap grows into, standing in
// for vmem_request_free_pages(FPO_CLEAR, n).
type PageSource interface {
	// RequestPages returns nBytes of freshly zeroed, contiguous memory, or
	// nil if the underlying page allocator is exhausted.
	RequestPages(nBytes uint) []byte
}

type freeRange struct {
	offset int
	size   int
}

// Heap is a single kmalloc/kfree/krealloc arena. The zero value is not
// ready for use; construct with New.
type Heap struct {
	arena    []byte
	freeList int // offset of the head free entry, or int(Null) if empty
	segments []freeRange
	source   PageSource

	// Debug enables the original's VERIFY_FREE_LIST()/VERIFY_FREE_BLOCK
	// checks after every mutation. Expensive; on by default to match
	// DEBUG_HEAP_ALLOCATOR's default of 1.
	Debug bool
}

// New creates an empty Heap that grows by requesting pages from source.
func New(source PageSource) *Heap {
	return &Heap{source: source, freeList: int(Null), Debug: true}
}

// Alloc returns a block of at least size bytes, or Null if size is 0 or the
// allocator is out of memory.
func (h *Heap) Alloc(size uint) Ptr {
	log.Debug("alloc(%d)", size)
	if size == 0 {
		return Null
	}

	total := alignUp(int(size)+tagsSize, alignment)

	for {
		if p, ok := h.findFit(total); ok {
			if h.Debug {
				h.verifyFreeList()
			}
			return p
		}
		if !h.growSegment(total) {
			return Null
		}
	}
}

// Free releases a block previously returned by Alloc or Realloc. p == Null
// is a no-op. Panics if p does not reference a live block.
func (h *Heap) Free(p Ptr) {
	log.Debug("free(%d)", p)
	if p == Null {
		return
	}
	h.free(int(p))
	if h.Debug {
		h.verifyFreeList()
	}
}

// Realloc resizes the block at p to newSize, preserving its contents up to
// the smaller of the old and new sizes. p == Null behaves like Alloc;
// newSize == 0 behaves like Free and returns Null.
func (h *Heap) Realloc(p Ptr, newSize uint) Ptr {
	log.Debug("realloc(%d, %d)", p, newSize)
	if p == Null {
		return h.Alloc(newSize)
	}
	if newSize == 0 {
		h.Free(p)
		return Null
	}

	startOff := int(p) - startTagSize
	h.checkLive(startOff, "realloc")

	total := alignUp(int(newSize)+tagsSize, alignment)
	curSize := clearAllocBit(h.u64(startOff))

	if uint64(total) <= curSize {
		h.maybeSplit(startOff, int(curSize), total)
		return p
	}

	newP := h.Alloc(newSize)
	if newP == Null {
		return Null
	}
	oldUsable := int(curSize) - tagsSize
	copy(h.arena[int(newP):int(newP)+oldUsable], h.arena[int(p):int(p)+oldUsable])
	h.Free(p)
	return newP
}

func alignUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

func clearAllocBit(v uint64) uint64 { return v &^ allocBit }

// --- byte-level tag accessors ---

func (h *Heap) u64(off int) uint64 {
	return binary.LittleEndian.Uint64(h.arena[off : off+8])
}

func (h *Heap) setU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(h.arena[off:off+8], v)
}

func (h *Heap) startSize(off int) uint64        { return h.u64(off) }
func (h *Heap) setStartSize(off int, v uint64)  { h.setU64(off, v) }
func (h *Heap) startMagic(off int) uint64       { return h.u64(off + wordSize) }
func (h *Heap) setStartMagic(off int, v uint64) { h.setU64(off+wordSize, v) }

func (h *Heap) endSize(off int) uint64       { return h.u64(off) }
func (h *Heap) setEndSize(off int, v uint64) { h.setU64(off, v) }

// endTagOffset returns the offset of the end tag belonging to the start tag
// at startOff, mirroring GET_END_TAG.
func endTagOffset(startOff int, size uint64) int {
	return startOff + int(clearAllocBit(size)) - endTagSize
}

// startFromEnd returns the start tag offset for a block given its end tag
// offset, mirroring GET_START_TAG_FROM_END.
func startFromEnd(endOff int, size uint64) int {
	return endOff + endTagSize - int(clearAllocBit(size))
}

// --- free list node accessors: {prev, next, size}, stored where the
// payload begins, i.e. at the entry offset (== start offset + startTagSize,
// the same position returned to callers as a Ptr). ---

func (h *Heap) feNext(entry int) int {
	v := h.u64(entry + wordSize)
	if v == nullField {
		return int(Null)
	}
	return int(v)
}

func (h *Heap) setFeNext(entry int, next int) {
	h.setU64(entry+wordSize, toField(next))
}

func (h *Heap) fePrev(entry int) int {
	v := h.u64(entry)
	if v == nullField {
		return int(Null)
	}
	return int(v)
}

func (h *Heap) setFePrev(entry int, prev int) {
	h.setU64(entry, toField(prev))
}

func (h *Heap) feSize(entry int) uint64       { return h.u64(entry + 2*wordSize) }
func (h *Heap) setFeSize(entry int, v uint64) { h.setU64(entry+2*wordSize, v) }

func toField(off int) uint64 {
	if off == int(Null) {
		return nullField
	}
	return uint64(off)
}

// --- free list operations ---

func (h *Heap) prependToFreeList(entry int) {
	if h.freeList != int(Null) {
		h.setFePrev(h.freeList, entry)
	}
	h.setFePrev(entry, int(Null))
	h.setFeNext(entry, h.freeList)
	h.freeList = entry
}

func (h *Heap) unlink(entry int) {
	if entry == h.freeList {
		h.freeList = h.feNext(entry)
	}
	if next := h.feNext(entry); next != int(Null) {
		h.setFePrev(next, h.fePrev(entry))
	}
	if prev := h.fePrev(entry); prev != int(Null) {
		h.setFeNext(prev, h.feNext(entry))
	}
}

func (h *Heap) replace(old, newEntry int) {
	h.setFeNext(newEntry, h.feNext(old))
	h.setFePrev(newEntry, h.fePrev(old))
	if old == h.freeList {
		h.freeList = newEntry
	}
	if prev := h.fePrev(old); prev != int(Null) {
		h.setFeNext(prev, newEntry)
	}
	if next := h.feNext(old); next != int(Null) {
		h.setFePrev(next, newEntry)
	}
}

// --- segment growth ---

func (h *Heap) growSegment(total int) bool {
	allocSize := alignUp(max(total+segmentOverhead, minAlloc), groupPages)

	buf := h.source.RequestPages(uint(allocSize))
	if buf == nil {
		return false
	}

	segOff := len(h.arena)
	h.arena = append(h.arena, buf...)
	h.segments = append(h.segments, freeRange{offset: segOff, size: allocSize})

	leadBoundary := segOff + segmentHeaderSize
	trailBoundary := segOff + allocSize - boundaryTagSize
	h.setU64(leadBoundary, allocBit) // size 0, allocated
	h.setU64(trailBoundary, allocBit)

	startOff := leadBoundary + boundaryTagSize
	blockSize := uint64(trailBoundary - startOff)
	h.setStartSize(startOff, blockSize)
	h.setEndSize(endTagOffset(startOff, blockSize), blockSize)
	h.setStartMagic(startOff, magicDead)

	entry := startOff + startTagSize
	h.setFeSize(entry, blockSize)
	h.prependToFreeList(entry)

	log.Debug("grew heap by %d bytes (segment at %d)", allocSize, segOff)
	return true
}

// --- allocation ---

func (h *Heap) findFit(total int) (Ptr, bool) {
	for entry := h.freeList; entry != int(Null); entry = h.feNext(entry) {
		size := h.feSize(entry)
		if size < uint64(total) {
			continue
		}

		startOff := entry - startTagSize
		if h.Debug {
			h.verifyFreeBlock(startOff)
		}

		h.splitOrTake(entry, startOff, int(size), total)
		return Ptr(entry), true
	}
	return Null, false
}

// splitOrTake carves exactly `total` bytes out of the free block at
// startOff/entry, splitting off the remainder as a new free block when it
// is big enough to be useful, then marks the taken block allocated.
func (h *Heap) splitOrTake(entry, startOff, blockSize, total int) {
	spaceLeft := blockSize - total

	if spaceLeft > tagsSize+alignment {
		newStartOff := startOff + total
		newSize := uint64(spaceLeft)
		newEnd := endTagOffset(newStartOff, newSize)

		h.setStartSize(newStartOff, newSize)
		h.setEndSize(newEnd, newSize)
		h.setStartMagic(newStartOff, magicDead)

		h.setEndSize(endTagOffset(startOff, uint64(total)), uint64(total))
		h.setStartSize(startOff, uint64(total))

		newEntry := newStartOff + startTagSize
		h.setFeSize(newEntry, newSize)
		h.replace(entry, newEntry)
	} else {
		h.unlink(entry)
	}

	size := h.startSize(startOff)
	h.setStartSize(startOff, size|allocBit)
	end := endTagOffset(startOff, size|allocBit)
	h.setEndSize(end, h.endSize(end)|allocBit)
	h.setStartMagic(startOff, magicAlive)
}

func (h *Heap) checkLive(startOff int, op string) {
	magic := h.startMagic(startOff)
	if magic == magicDead {
		panic(fmt.Sprintf("heap: %s: 0x%x was freed twice", op, startOff+startTagSize))
	}
	if magic != magicAlive {
		panic(fmt.Sprintf("heap: %s: invalid pointer 0x%x", op, startOff+startTagSize))
	}
}

// --- free ---

func (h *Heap) free(entry int) {
	startOff := entry - startTagSize
	h.checkLive(startOff, "free")

	size := h.startSize(startOff)
	size = clearAllocBit(size)
	h.setStartSize(startOff, size)
	end := endTagOffset(startOff, size)
	h.setEndSize(end, size)

	nextStart := end + endTagSize
	prevEnd := startOff - endTagSize
	nextSize := clearAllocBit(h.u64(nextStart))
	nextEnd := endTagOffset(nextStart, nextSize)

	prevFree := h.u64(prevEnd)&allocBit == 0
	nextFree := h.u64(nextStart)&allocBit == 0

	switch {
	case prevFree && nextFree:
		prevStart := startFromEnd(prevEnd, h.u64(prevEnd))
		prevEntry := prevStart + startTagSize
		newSize := clearAllocBit(h.u64(prevStart)) + size

		nextEntry := nextStart + startTagSize
		newSize += nextSize
		h.unlink(nextEntry)

		h.setStartSize(prevStart, newSize)
		h.setEndSize(nextEnd, newSize)
		h.setFeSize(prevEntry, newSize)

		startOff = prevStart
		end = nextEnd

	case prevFree:
		prevStart := startFromEnd(prevEnd, h.u64(prevEnd))
		prevEntry := prevStart + startTagSize
		newSize := clearAllocBit(h.u64(prevStart)) + size

		h.setStartSize(prevStart, newSize)
		h.setEndSize(end, newSize)
		h.setFeSize(prevEntry, newSize)

		startOff = prevStart

	case nextFree:
		newSize := size + nextSize
		h.setStartSize(startOff, newSize)
		h.setEndSize(nextEnd, newSize)

		nextEntry := nextStart + startTagSize
		newEntry := startOff + startTagSize
		h.setFeSize(newEntry, newSize)
		h.replace(nextEntry, newEntry)

		end = nextEnd

	default:
		newEntry := startOff + startTagSize
		h.setFeSize(newEntry, size)
		h.prependToFreeList(newEntry)
	}

	h.setStartMagic(startOff, magicDead)
	if h.Debug {
		h.verifyFreeBlock(startOff)
	}
}

// maybeSplit is realloc's shrink-in-place path: if the residual after
// carving out `total` bytes from the still-allocated block at startOff is
// big enough, split it off and return it to the free list via the normal
// free path (reusing free()'s coalescing in case a neighbour is already
// free).
func (h *Heap) maybeSplit(startOff, curSize, total int) {
	spaceLeft := curSize - total
	if spaceLeft <= tagsSize+alignment {
		return
	}

	newStartOff := startOff + total
	newSize := uint64(spaceLeft)
	newEnd := endTagOffset(newStartOff, newSize)

	h.setStartSize(newStartOff, newSize|allocBit)
	h.setEndSize(newEnd, newSize|allocBit)
	h.setStartMagic(newStartOff, magicAlive)

	h.setStartSize(startOff, uint64(total)|allocBit)
	h.setEndSize(endTagOffset(startOff, uint64(total)|allocBit), uint64(total)|allocBit)

	h.free(newStartOff + startTagSize)
}

// Stats reports how many segments the heap has grown into and their
// combined size, the Go analogue of walking the original's segments list.
func (h *Heap) Stats() (nSegments int, totalBytes int) {
	for _, s := range h.segments {
		totalBytes += s.size
	}
	return len(h.segments), totalBytes
}

// --- debug-mode verification, mirroring verify_free_list/dump_heap ---

func (h *Heap) verifyFreeBlock(startOff int) {
	size := h.startSize(startOff)
	end := endTagOffset(startOff, size)
	endSize := h.endSize(end)
	if size&allocBit != 0 || endSize&allocBit != 0 || size != endSize {
		panic(fmt.Sprintf("heap: malformed free block at %d (start=%#x end=%#x)", startOff, size, endSize))
	}
}

func (h *Heap) verifyFreeList() {
	for entry := h.freeList; entry != int(Null); entry = h.feNext(entry) {
		if next := h.feNext(entry); next != int(Null) && h.fePrev(next) != entry {
			panic(fmt.Sprintf("heap: corrupt free list at entry %d", entry))
		}
		startOff := entry - startTagSize
		h.verifyFreeBlock(startOff)
		if h.startMagic(startOff) != magicDead {
			panic(fmt.Sprintf("heap: free entry %d not marked dead", entry))
		}
	}
}
