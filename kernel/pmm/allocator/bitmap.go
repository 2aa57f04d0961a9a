package allocator

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/bitset"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/multiboot"
	"ia32kernel/kernel/pmm"
	"ia32kernel/kernel/sync"
)

// FrameState describes the reservation state of a physical frame.
type FrameState uint8

const (
	// FrameFree indicates the frame is available for allocation.
	FrameFree FrameState = iota

	// FrameReserved indicates the frame is in use or was marked
	// unavailable by the boot loader's memory map.
	FrameReserved

	// FrameNonExistent indicates the frame lies outside the physical
	// address range described by the boot loader.
	FrameNonExistent
)

var (
	errBitmapOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapNotManaged  = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not managed by this allocator"}
	errBitmapAlreadyFree = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
)

// Bitmap is the production physical frame allocator described by the
// memory-management core: a single bitset covering every frame in
// [0, memTop), one bit per frame, guarded by a spinlock since this kernel
// never needs anything more elaborate than mutual exclusion on a single
// CPU.
type Bitmap struct {
	mu     sync.Spinlock
	bits   bitset.Bitset
	nextFreeHint uint32
	totalFrames  uint32
}

// BitmapStorageWords returns how many 32-bit words of backing memory Init
// needs for a bitmap covering memTop bytes, so a caller can size a
// placement-allocator allocation before calling Init.
func BitmapStorageWords(memTop uint32) uint32 {
	totalFrames := memTop >> mem.PageShift
	return (totalFrames + wordBits - 1) / wordBits
}

const wordBits = 32

// Init sizes the bitmap to cover every frame up to memTop (exclusive,
// in bytes) and marks every frame reserved by default; the caller is then
// expected to walk the boot loader's memory map and call MarkFree for each
// available region, mirroring the original kernel's init → mark-available
// two-step.
//
// storageAddr must point at BitmapStorageWords(memTop) words of memory
// obtained from the placement allocator: the frame bitmap itself needs
// memory to exist before there is any other way to hand it out, so unlike
// most of this kernel's types it cannot simply use the Go heap.
func (b *Bitmap) Init(memTop uint32, storageAddr uintptr) {
	b.totalFrames = memTop >> mem.PageShift
	b.bits.Init(b.totalFrames, bitset.SliceAt(storageAddr, BitmapStorageWords(memTop)))
	for frame := uint32(0); frame < b.totalFrames; frame++ {
		b.bits.Set(frame)
	}
}

// MarkFree clears the reserved bit for every frame in [startFrame, endFrame].
func (b *Bitmap) MarkFree(startFrame, endFrame pmm.Frame) {
	for f := uint32(startFrame); f <= uint32(endFrame) && f < b.totalFrames; f++ {
		b.bits.Clear(f)
	}
}

// MarkReserved sets the reserved bit for every frame in [startFrame, endFrame].
func (b *Bitmap) MarkReserved(startFrame, endFrame pmm.Frame) {
	for f := uint32(startFrame); f <= uint32(endFrame) && f < b.totalFrames; f++ {
		b.bits.Set(f)
	}
}

// PopulateFromMemoryMap walks the boot loader's memory map and marks every
// available region free, leaving everything else (including anything
// outside a reported region) reserved.
func (b *Bitmap) PopulateFromMemoryMap() {
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		pageSizeMinus1 := uint64(mem.PageSize - 1)
		startFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		if region.Length < uint64(mem.PageSize) {
			return true
		}
		endFrame := pmm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mem.PageShift) - 1

		b.MarkFree(startFrame, endFrame)
		return true
	})
}

// ReserveFrom marks the kernel image's own frames reserved, then replays a
// placement allocator's decisions by constructing an identical allocator
// and calling AllocFrame the same number of times it was actually called,
// marking every frame it returns as reserved. This lets the bitmap
// allocator take over without having to track, during boot, every frame
// the placement allocator ever handed out. bootInfoStart/bootInfoEnd name
// the boot-info structure's physical range, which the replayed allocator
// must also skip so its sequence matches what the real placement allocator
// (which skipped the same range during boot) actually handed out; pass
// 0, 0 if boot-info reservation was not needed.
func (b *Bitmap) ReserveFrom(kernelStart, kernelEnd uintptr, bootInfoStart, bootInfoEnd uintptr, allocCount uint64) {
	var replay Placement
	replay.Init(kernelStart, kernelEnd)
	if bootInfoEnd > bootInfoStart {
		replay.ReserveRange(bootInfoStart, bootInfoEnd)
		b.MarkReserved(replay.bootInfoStartFrame, replay.bootInfoEndFrame)
	}

	b.MarkReserved(replay.kernelStartFrame, replay.kernelEndFrame)

	for i := uint64(0); i < allocCount; i++ {
		frame, err := replay.AllocFrame()
		if err != nil {
			break
		}
		b.MarkReserved(frame, frame)
	}
}

// AllocFrame reserves and returns the first free frame via a first-fit
// bitset scan, starting from the last known free position.
func (b *Bitmap) AllocFrame() (pmm.Frame, *kernel.Error) {
	b.mu.Acquire()
	defer b.mu.Release()

	bit, ok := b.bits.FirstClear(b.nextFreeHint)
	if !ok {
		bit, ok = b.bits.FirstClear(0)
		if !ok {
			return pmm.InvalidFrame, errBitmapOutOfMemory
		}
	}

	b.bits.Set(bit)
	b.nextFreeHint = bit + 1
	return pmm.Frame(bit), nil
}

// FreeFrame releases a previously allocated frame back to the pool.
func (b *Bitmap) FreeFrame(frame pmm.Frame) *kernel.Error {
	if uint32(frame) >= b.totalFrames {
		return errBitmapNotManaged
	}

	b.mu.Acquire()
	defer b.mu.Release()

	if !b.bits.Test(uint32(frame)) {
		return errBitmapAlreadyFree
	}

	b.bits.Clear(uint32(frame))
	if uint32(frame) < b.nextFreeHint {
		b.nextFreeHint = uint32(frame)
	}
	return nil
}

// IsReserved reports the reservation state of frame.
func (b *Bitmap) IsReserved(frame pmm.Frame) FrameState {
	if uint32(frame) >= b.totalFrames {
		return FrameNonExistent
	}
	if b.bits.Test(uint32(frame)) {
		return FrameReserved
	}
	return FrameFree
}

// PrintStats logs the total and free frame counts.
func (b *Bitmap) PrintStats() {
	free := uint32(0)
	for f := uint32(0); f < b.totalFrames; f++ {
		if !b.bits.Test(f) {
			free++
		}
	}
	kfmt.Printf("[bitmap_alloc] total frames: %d, free: %d\n", b.totalFrames, free)
}
