// Package heap implements the kernel's block/bitmap general-purpose
// allocator: a linked list of virtual-memory blocks, each sectioned into
// fixed-size chunks tracked by a pair of bitsets (which sections are in
// use, and which used section is the last one in a still-live allocation).
package heap

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/bitset"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/pmm"
	"ia32kernel/kernel/vmm"
)

// Default tuning values, matched to the original kernel's heap: a 16-byte
// section granularity and a 1MB minimum block size.
const (
	DefaultSectionSize = uint32(0x10)
	MinBlockSize       = uint32(0x100000)
)

// Flag controls a Heap's behavior.
type Flag uint32

// AutoExpand lets Malloc grow the heap by allocating a new block instead of
// failing when no existing block has enough free, contiguous sections.
const AutoExpand Flag = 1 << 0

var (
	errOutOfMemory  = &kernel.Error{Module: "heap", Message: "out of memory"}
	errUnknownBlock = &kernel.Error{Module: "heap", Message: "address is not part of any heap block"}
	errNotAllocated = &kernel.Error{Module: "heap", Message: "address is not a live allocation"}
)

// block is one contiguous span of virtual memory owned by a Heap, divided
// into sectionSize-byte sections. used marks which sections are currently
// part of a live allocation; delimiters marks the last section of every
// live allocation, so Free can find where an allocation ends without
// storing a separate length anywhere.
//
// Both bitsets are carved out of the block's own raw memory, at the start
// of the range handed to newBlock, rather than allocated on the Go heap:
// a block's pages are already mapped by the time it is created (Expand maps
// them before calling AddBlock), so this is the one point in the heap's own
// bootstrap where backing storage is already available without asking any
// allocator for more of it. start therefore points past both bitsets, at
// the first byte actually available to Malloc.
type block struct {
	next             *block
	start            uintptr
	blockSize        uint32
	sectionSize      uint32
	firstFreeSection uint32
	freeSections     uint32
	used             bitset.Bitset
	delimiters       bitset.Bitset
}

func sectionCount(blockSize, sectionSize uint32) uint32 {
	return (blockSize + sectionSize - 1) / sectionSize
}

// bitsetOverhead returns the combined byte size of the used/delimiters
// bitsets a block of blockSize bytes would need, using mem.Size arithmetic
// throughout so callers sizing very large requests do not overflow a
// 32-bit intermediate.
func bitsetOverhead(blockSize mem.Size, sectionSize uint32) mem.Size {
	n := (uint64(blockSize) + uint64(sectionSize) - 1) / uint64(sectionSize)
	words := (n + 31) / 32
	return mem.Size(words) * 4 * 2
}

func newBlock(addr uintptr, blockSize, sectionSize uint32) *block {
	n := sectionCount(blockSize, sectionSize)
	words := (n + 31) / 32
	bitsetBytes := words * 4

	usableStart := addr + 2*uintptr(bitsetBytes)
	usableSize := blockSize - 2*bitsetBytes
	n = sectionCount(usableSize, sectionSize)

	b := &block{
		start:        usableStart,
		blockSize:    usableSize,
		sectionSize:  sectionSize,
		freeSections: n,
	}
	b.used.Init(n, bitset.SliceAt(addr, words))
	b.delimiters.Init(n, bitset.SliceAt(addr+uintptr(bitsetBytes), words))
	return b
}

// Heap is a general-purpose allocator backed by one or more blocks of
// virtual memory obtained from the kernel address-space allocator and
// mapped in via the paging layer.
type Heap struct {
	first              *block
	defaultSectionSize uint32
	minBlockSize       uint32
	flags              Flag
	effectiveSize      mem.Size
	totalFreeSections  uint32
}

// Init prepares an empty heap. The first block is created lazily, by the
// first call to Malloc, via Expand.
func (h *Heap) Init(defaultSectionSize, minBlockSize uint32, flags Flag) {
	h.first = nil
	h.defaultSectionSize = defaultSectionSize
	h.minBlockSize = minBlockSize
	h.flags = flags
	h.effectiveSize = 0
	h.totalFreeSections = 0
}

// Expand grows the heap by at least size bytes of usable space: it reserves
// enough pages from the kernel address space, maps each one to a freshly
// allocated physical frame, and installs the resulting range as a new
// block.
func (h *Heap) Expand(size uint32) *kernel.Error {
	pagesRequired := (mem.Size(size) + mem.PageSize - 1) / mem.PageSize
	if pagesRequired == 0 {
		pagesRequired = 1
	}

	// Grow the candidate page count until there is still room for size
	// bytes of usable space once newBlock carves both bitsets out of the
	// block's own memory.
	for pagesRequired*mem.PageSize-bitsetOverhead(pagesRequired*mem.PageSize, h.defaultSectionSize) < mem.Size(size) {
		pagesRequired++
	}

	addr, err := vmm.KernelASA.Alloc(uint32(pagesRequired))
	if err != nil {
		return err
	}

	var mapped uint32
	for mapped = 0; mapped < uint32(pagesRequired); mapped++ {
		frame, ferr := pmm.AllocFrame()
		if ferr != nil {
			h.rollbackExpand(addr, uint32(pagesRequired), mapped)
			return ferr
		}

		page := vmm.PageFromAddress(addr + uintptr(mapped)*uintptr(mem.PageSize))
		if merr := vmm.Allocate(page, frame, vmm.FlagPresent|vmm.FlagRW); merr != nil {
			h.rollbackExpand(addr, uint32(pagesRequired), mapped)
			return merr
		}
	}

	blockSize := uint32(pagesRequired) * uint32(mem.PageSize)
	h.AddBlock(addr, blockSize, h.defaultSectionSize)
	return nil
}

// rollbackExpand undoes a partially completed Expand: it frees whichever
// pages were mapped before the failure and releases the virtual range back
// to the address-space allocator.
func (h *Heap) rollbackExpand(addr uintptr, totalPages, mappedPages uint32) {
	for i := uint32(0); i < mappedPages; i++ {
		vmm.Free(vmm.PageFromAddress(addr + uintptr(i)*uintptr(mem.PageSize)))
	}
	vmm.KernelASA.Free(addr, totalPages)
}

// AddBlock installs [addr, addr+blockSize) as a new heap block, sectioned
// into sectionSize-byte chunks, and prepends it to the heap's block list.
func (h *Heap) AddBlock(addr uintptr, blockSize uint32, sectionSize uint32) {
	b := newBlock(addr, blockSize, sectionSize)
	b.next = h.first
	h.first = b

	h.totalFreeSections += b.freeSections
	h.effectiveSize += mem.Size(blockSize)
}

// Malloc reserves size bytes, aligned to align bytes (0 for no alignment
// requirement beyond the section size), and returns its starting address.
func (h *Heap) Malloc(size uint32, align uint32) (uintptr, *kernel.Error) {
	if h.first == nil {
		if err := h.Expand(max(h.minBlockSize, size)); err != nil {
			return 0, err
		}
	}

	manualAlign := align > 0 && align != h.defaultSectionSize
	reqSize := size
	if manualAlign {
		reqSize += align
	}

	for {
		for b := h.first; b != nil; b = b.next {
			if addr, ok := b.allocate(reqSize, align, manualAlign); ok {
				h.totalFreeSections -= (reqSize + b.sectionSize - 1) / b.sectionSize
				return addr, nil
			}
		}

		if h.flags&AutoExpand == 0 {
			return 0, errOutOfMemory
		}
		if err := h.Expand(max(h.minBlockSize, reqSize)); err != nil {
			return 0, err
		}
	}
}

// Free releases a previous Malloc allocation.
func (h *Heap) Free(addr uintptr) *kernel.Error {
	for b := h.first; b != nil; b = b.next {
		if addr < b.start || addr >= b.start+uintptr(b.blockSize) {
			continue
		}

		freed, err := b.free(addr)
		if err != nil {
			return err
		}
		h.totalFreeSections += freed
		return nil
	}
	return errUnknownBlock
}

// allocate scans this block, starting from firstFreeSection, for a run of
// contiguous free sections large enough for reqSize bytes.
func (b *block) allocate(reqSize, align uint32, manualAlign bool) (uintptr, bool) {
	nSec := (reqSize + b.sectionSize - 1) / b.sectionSize
	if nSec == 0 {
		nSec = 1
	}
	if nSec > b.freeSections {
		return 0, false
	}

	firstFree, ok := b.used.FirstClearRun(b.firstFreeSection, nSec)
	if !ok {
		firstFree, ok = b.used.FirstClearRun(0, nSec)
		if !ok {
			return 0, false
		}
	}

	start := b.start + uintptr(firstFree)*uintptr(b.sectionSize)

	for j := firstFree; j < firstFree+nSec; j++ {
		b.used.Set(j)
	}
	b.delimiters.Set(firstFree + nSec - 1)

	if manualAlign {
		if rem := uint32(start) % align; rem > 0 {
			start += uintptr(align - rem)
		}
	}

	b.freeSections -= nSec
	b.firstFreeSection = firstFree + nSec
	return start, true
}

// free clears the sections belonging to the allocation starting at addr and
// returns how many sections were released.
func (b *block) free(addr uintptr) (uint32, *kernel.Error) {
	sectNum := uint32((addr - b.start) / uintptr(b.sectionSize))
	if !b.used.Test(sectNum) {
		return 0, errNotAllocated
	}

	lastSection := sectNum
	found := false
	for i := sectNum; i < b.delimiters.Len(); i++ {
		if b.delimiters.Test(i) {
			b.delimiters.Clear(i)
			lastSection = i
			found = true
			break
		}
	}
	if !found {
		return 0, errNotAllocated
	}

	for i := sectNum; i <= lastSection; i++ {
		b.used.Clear(i)
	}

	b.firstFreeSection = sectNum
	freed := lastSection - sectNum + 1
	b.freeSections += freed
	return freed, nil
}

func max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
