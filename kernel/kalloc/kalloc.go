// Package kalloc is the kernel's general-purpose allocation façade: the
// kmalloc family of functions, dispatched through a pair of installable
// function pointers so the concrete allocator backing them (normally a
// kernel/heap.Heap, but swappable for testing or for a future allocator)
// can be swapped without touching call sites.
package kalloc

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/kfmt"
)

// Flag requests alignment or allocator-specific behavior from Malloc.
type Flag uint32

const (
	// PageAlign requests that the returned address be page-aligned.
	PageAlign Flag = 1 << iota

	// Critical marks an allocation that must succeed: it goes to the same
	// installed allocator as any other, but dispatch turns its failure into
	// a kfmt.Panic instead of returning the error.
	Critical
)

// MallocFn allocates size bytes, honoring flags, and optionally reports the
// physical address backing the allocation through phys (nil if the caller
// does not need it).
type MallocFn func(size uint32, flags Flag, phys *uintptr) (uintptr, *kernel.Error)

// FreeFn releases a previous MallocFn allocation.
type FreeFn func(addr uintptr) *kernel.Error

var (
	installedMalloc MallocFn
	installedFree   FreeFn

	errNotInstalled = &kernel.Error{Module: "kalloc", Message: "no allocator installed"}
)

// Install swaps in mallocFn/freeFn as the allocator backing every kmalloc*/
// kfree call. It is called once during boot (to install the heap-backed
// allocator) and may be called again to swap allocators, mirroring the
// original kernel's kalloc_data function-pointer indirection.
func Install(mallocFn MallocFn, freeFn FreeFn) {
	installedMalloc = mallocFn
	installedFree = freeFn
}

// General allocates size bytes, honoring flags. It is the kmalloc entry
// point.
func General(size uint32, flags Flag) (uintptr, *kernel.Error) {
	return dispatch(size, flags, nil)
}

// PageAligned allocates size bytes, page-aligned, honoring any other flags.
// It is the kmalloc_a entry point.
func PageAligned(size uint32, flags Flag) (uintptr, *kernel.Error) {
	return dispatch(size, flags|PageAlign, nil)
}

// WithPhys allocates size bytes, honoring flags, and reports the physical
// address backing the allocation. It is the kmalloc_p entry point.
func WithPhys(size uint32, flags Flag) (uintptr, uintptr, *kernel.Error) {
	var phys uintptr
	addr, err := dispatch(size, flags, &phys)
	return addr, phys, err
}

// PageAlignedWithPhys allocates size bytes, page-aligned, honoring any
// other flags, and reports the physical address backing the allocation. It
// is the kmalloc_ap entry point.
func PageAlignedWithPhys(size uint32, flags Flag) (uintptr, uintptr, *kernel.Error) {
	var phys uintptr
	addr, err := dispatch(size, flags|PageAlign, &phys)
	return addr, phys, err
}

// dispatch forwards to the installed allocator and promotes a CRITICAL
// allocation's failure to a panic instead of letting it return an error:
// callers that pass Critical are asserting the allocation must succeed, so
// there is nothing a caller could do with the error except treat it as
// fatal anyway.
func dispatch(size uint32, flags Flag, phys *uintptr) (uintptr, *kernel.Error) {
	if installedMalloc == nil {
		if flags&Critical != 0 {
			kfmt.Panic(errNotInstalled)
		}
		return 0, errNotInstalled
	}

	addr, err := installedMalloc(size, flags, phys)
	if err != nil && flags&Critical != 0 {
		kfmt.Panic(err)
	}
	return addr, err
}

// Free releases a previous allocation. It is the kfree entry point.
func Free(addr uintptr) *kernel.Error {
	if installedFree == nil {
		return errNotInstalled
	}
	return installedFree(addr)
}
