package allocator

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/multiboot"
	"ia32kernel/kernel/pmm"
)

// Placement is a rudimentary physical memory allocator used to bootstrap
// the kernel before the bitset-backed frame allocator is ready.
//
// It scans the memory region information provided by the boot loader and
// returns the next available free frame, tracked via an internal counter
// pointing at the last allocated frame. It cannot free allocations; once
// the bitset allocator takes over, every frame handed out here is replayed
// into the bitset as reserved (see Bitmap.ReserveFrom).
type Placement struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame pmm.Frame
	haveLast       bool

	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame pmm.Frame

	bootInfoStartFrame, bootInfoEndFrame pmm.Frame
	hasBootInfo                          bool
}

var errPlacementOutOfMemory = &kernel.Error{Module: "placement_alloc", Message: "out of memory"}

// Init configures the placement allocator to skip the physical range
// occupied by the loaded kernel image.
func (alloc *Placement) Init(kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = pmm.Frame((kernelStart & ^pageSizeMinus1) >> mem.PageShift)
	alloc.kernelEndFrame = pmm.Frame(((kernelEnd+pageSizeMinus1)&^pageSizeMinus1)>>mem.PageShift) - 1
}

// ReserveRange additionally excludes [start, end) from allocation, e.g. the
// boot-info structure the boot loader left in memory. Unlike the kernel
// image range, which AllocFrame must actively skip past while scanning, an
// excluded range set here only ever needs to nudge lastAllocFrame forward
// when it lands inside it, so it does not interact with Init's bookkeeping.
// It must be called, if at all, before the first AllocFrame call.
func (alloc *Placement) ReserveRange(start, end uintptr) {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	alloc.bootInfoStartFrame = pmm.Frame((start & ^pageSizeMinus1) >> mem.PageShift)
	alloc.bootInfoEndFrame = pmm.Frame(((end+pageSizeMinus1)&^pageSizeMinus1)>>mem.PageShift) - 1
	alloc.hasBootInfo = true
}

// AllocFrame scans the system memory regions reported by the boot loader
// and reserves the next available free frame, skipping over the kernel
// image and anything already handed out by a previous call.
func (alloc *Placement) AllocFrame() (pmm.Frame, *kernel.Error) {
	var found bool

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mem.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mem.PageSize - 1)
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mem.PageShift) - 1

		if alloc.haveLast && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		hasKernel := alloc.kernelEndAddr > alloc.kernelStartAddr
		switch {
		case hasKernel && (((!alloc.haveLast || alloc.lastAllocFrame <= regionStartFrame) && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.haveLast && alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame)):
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		case !alloc.haveLast || alloc.lastAllocFrame < regionStartFrame:
			alloc.lastAllocFrame = regionStartFrame
		default:
			alloc.lastAllocFrame++
		}
		alloc.haveLast = true

		if alloc.hasBootInfo && alloc.lastAllocFrame >= alloc.bootInfoStartFrame && alloc.lastAllocFrame <= alloc.bootInfoEndFrame {
			alloc.lastAllocFrame = alloc.bootInfoEndFrame + 1
		}

		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		found = true
		return false
	})

	if !found {
		return pmm.InvalidFrame, errPlacementOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// AllocCount returns the number of frames handed out so far. Used by the
// bitset allocator to replay this allocator's decisions when it takes over.
func (alloc *Placement) AllocCount() uint64 {
	return alloc.allocCount
}

// AllocBytes reserves a contiguous run of physical frames big enough to hold
// size bytes and returns the physical address of its first byte. It is how
// the frame bitmap and the kernel address-space allocator obtain backing
// storage for their own bitsets before either of them exists, satisfying
// the "need memory to describe memory" bootstrap problem without touching
// the Go heap. It builds the run on top of the already-tested AllocFrame
// scan rather than walking memory regions itself, restarting the run
// whenever AllocFrame returns a non-contiguous frame.
func (alloc *Placement) AllocBytes(size uint32) (uintptr, *kernel.Error) {
	nFrames := (size + uint32(mem.PageSize) - 1) / uint32(mem.PageSize)
	if nFrames == 0 {
		nFrames = 1
	}

	var (
		runStart pmm.Frame
		run      uint32
	)
	for {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return 0, err
		}

		if run > 0 && frame != runStart+pmm.Frame(run) {
			run = 0
		}
		if run == 0 {
			runStart = frame
		}
		run++

		if run == nFrames {
			return runStart.Address(), nil
		}
	}
}

// PrintMemoryMap logs the boot loader-reported memory map and a summary of
// the kernel image's physical footprint, tagging every line with
// "[placement_alloc]" via a PrefixWriter rather than repeating the tag in
// each Printf call.
func (alloc *Placement) PrintMemoryMap() {
	w := &kfmt.PrefixWriter{Sink: kfmt.Writer(), Prefix: []byte("[placement_alloc] ")}

	kfmt.Fprintf(w, "system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Fprintf(w, "available memory: %dKb\n", uint64(totalFree/mem.Kb))
	kfmt.Fprintf(w, "kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
}
