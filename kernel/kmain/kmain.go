// Package kmain wires together the boot sequence: it is the first Go code
// to run after the assembly entry stub, and its job is to bring up the
// physical frame allocator, the paging layer and the kernel heap in the
// order each depends on the last, then hand off to the heap-backed kalloc
// façade for everything afterwards.
package kmain

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/heap"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/multiboot"
	"ia32kernel/kernel/pmm"
	"ia32kernel/kernel/pmm/allocator"
	"ia32kernel/kernel/vmm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// placementAlloc and bitmapAlloc back pmm.AllocFrame in turn: the placement
// allocator bootstraps everything up to the point where a real bitset can
// be built, then the bitmap allocator takes over for the rest of the
// kernel's lifetime.
var (
	placementAlloc allocator.Placement
	bitmapAlloc    allocator.Bitmap
	kheap          heap.Heap
)

// elfReservedRange walks the ELF section headers the boot loader copied
// into the multiboot info structure and returns the smallest range
// covering every section actually occupying memory at runtime, i.e. the
// kernel image's own physical footprint. This is how kernelStart/kernelEnd
// are derived: there is no linker script in this tree to hand them to
// Kmain directly, so the boot loader-reported ELF sections are the only
// source of truth for where the kernel was actually loaded.
func elfReservedRange() (uintptr, uintptr, bool) {
	var (
		start, end uintptr
		have       bool
	)

	multiboot.VisitElfSections(func(_ string, flags multiboot.ElfSectionFlag, address uintptr, size uint32) {
		if flags&multiboot.ElfSectionAllocated == 0 || address == 0 {
			return
		}

		if !have || address < start {
			start = address
		}
		if sectionEnd := address + uintptr(size); !have || sectionEnd > end {
			end = sectionEnd
		}
		have = true
	})

	return start, end, have
}

// Kmain is the only Go symbol the rt0 assembly stub calls. It is passed the
// multiboot-1 info pointer the boot loader left in EBX; the kernel's own
// physical footprint is derived from the ELF section headers the boot
// loader copied alongside it, not from a linker script.
//
// Kmain is not expected to return; if it does, the rt0 stub halts the CPU.
//
//go:noinline
func Kmain(magic uint32, multibootInfoPtr uintptr) {
	var (
		err                    *kernel.Error
		memUpper               uint32
		kernelStart, kernelEnd uintptr
		ok                     bool
	)

	if err = multiboot.Init(magic, multibootInfoPtr); err != nil {
		kfmt.Panic(err)
	} else if memUpper, ok = multiboot.MemUpper(); !ok {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "boot loader did not report upper memory size"})
	} else if kernelStart, kernelEnd, ok = elfReservedRange(); !ok {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "boot loader did not report ELF section headers"})
	} else {
		memTop := uint32(mem.Size(memUpper) * mem.Kb)
		bootInfoStart := multibootInfoPtr
		bootInfoEnd := multibootInfoPtr + uintptr(mem.PageSize)

		placementAlloc.Init(kernelStart, kernelEnd)
		placementAlloc.ReserveRange(bootInfoStart, bootInfoEnd)
		pmm.SetFrameAllocator(placementAlloc.AllocFrame)

		// Obtain backing storage for the frame bitmap and the kernel
		// address-space allocator's own bitsets from the placement
		// allocator before it hands off to the bitmap allocator, so
		// that ReserveFrom's replay (below) accounts for every frame
		// the placement allocator ever gave out, these two included.
		bitmapStorage, err := placementAlloc.AllocBytes(allocator.BitmapStorageWords(memTop) * 4)
		if err != nil {
			kfmt.Panic(err)
		}
		asaStorage, err := placementAlloc.AllocBytes(vmm.AddressSpaceStorageWords() * 4)
		if err != nil {
			kfmt.Panic(err)
		}

		bitmapAlloc.Init(memTop, bitmapStorage)
		bitmapAlloc.PopulateFromMemoryMap()
		bitmapAlloc.ReserveFrom(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd, placementAlloc.AllocCount())
		bitmapAlloc.MarkReserved(0, 0)
		pmm.SetFrameAllocator(bitmapAlloc.AllocFrame)

		if err = vmm.Init(vmm.KVirtReserved, asaStorage); err != nil {
			kfmt.Panic(err)
		} else {
			vmm.SetFrameDeallocator(bitmapAlloc.FreeFrame)
			vmm.SetFrameReserver(func(f pmm.Frame) *kernel.Error {
				bitmapAlloc.MarkReserved(f, f)
				return nil
			})

			kheap.Init(heap.DefaultSectionSize, heap.MinBlockSize, heap.AutoExpand)
			if err = kheap.Expand(heap.MinBlockSize); err != nil {
				kfmt.Panic(err)
			} else {
				kheap.InstallAsKalloc()
				kfmt.Printf("kernel memory management initialized: %d KB available\n", memUpper)
			}
		}
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating this call as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
