package vmm

import (
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/pmm"
	"unsafe"
)

// entriesPerTable is the number of entries in a single i386 page directory
// or page table (1024 entries of 4 bytes each = a 4KB page).
const entriesPerTable = 1024

// windowPageAddr is a virtual page permanently reserved for the window-page
// technique. Not every physical page table frame is reachable through a
// stable identity mapping, so instead of keeping a full static table of
// page tables (as the page-pool strategy does) this kernel repoints a
// single page's own PTE on demand to reach whichever physical frame it
// needs to read or write.
const windowPageAddr = uintptr(0x3ffff000)

// invlpgFn is mocked by tests and automatically inlined by the compiler.
var invlpgFn = cpu.Invlpg

// windowPTE points at the page table entry that maps windowPageAddr. It is
// installed once, during paging initialization, into a page table reachable
// from the kernel's identity-mapped region so the window mechanism itself
// never needs a window to bootstrap.
var windowPTE *pageTableEntry

// mapWindowFn and unmapWindowFn are mocked by tests: a hosted test binary
// has no MMU translating windowPageAddr, so tests redirect these at a
// fake-window implementation that reaches the same frame through its real
// Go address instead.
var (
	mapWindowFn   = mapWindow
	unmapWindowFn = unmapWindow
)

// mapWindow repoints the window page at frame and returns a pointer to its
// contents, interpreted as a page table (1024 consecutive page table
// entries). The returned pointer is only valid until the next call to
// mapWindow or unmapWindow: callers must treat it as a scoped accessor, not
// a long-lived pointer, and must call mapWindow again after any nested call
// that might have repointed the window in the meantime.
func mapWindow(frame pmm.Frame) *[entriesPerTable]pageTableEntry {
	*windowPTE = 0
	windowPTE.SetFrame(frame)
	windowPTE.SetFlags(FlagPresent | FlagRW)
	invlpgFn(windowPageAddr)
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(windowPageAddr))
}

// unmapWindow clears the window page's mapping. Calling it is optional
// (the next mapWindow call simply overwrites the mapping) but documents
// the points in the code where no one should still be holding a pointer
// returned by mapWindow.
func unmapWindow() {
	windowPTE.ClearFlags(FlagPresent)
	invlpgFn(windowPageAddr)
}
