// Package vmm implements the i386 paging layer: a classic two-level
// directory/table MMU structure, the window-page technique for reaching
// page tables that are not identity-mapped, a page-fault reporter, and the
// kernel address-space allocator used to hand out virtual regions.
package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/pmm"
	"unsafe"
)

var (
	// ErrInvalidMapping is returned when looking up a virtual address that
	// is not currently mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// frameAllocFn is mocked by tests and automatically inlined by the
	// compiler.
	frameAllocFn = pmm.AllocFrame

	// freeFrameFn is installed via SetFrameDeallocator during boot to point
	// at the frame allocator's FreeFrame method; Free uses it to release the
	// frame a page pointed to once its mapping is torn down.
	freeFrameFn func(pmm.Frame) *kernel.Error

	// reserveFrameFn is installed during boot to point at the frame
	// allocator's MarkReserved method; IdentityMap uses it so a fixed
	// physical region it maps at its own address is also accounted for
	// in the frame bitmap, the same as a region the frame allocator
	// itself handed out.
	reserveFrameFn func(pmm.Frame) *kernel.Error

	loadPageDirectoryFn = cpu.LoadPageDirectory
	enablePagingFn      = cpu.EnablePaging
)

// tableIndex returns the page directory index for a virtual address.
func tableIndex(addr uintptr) uintptr { return addr >> 22 }

// pageIndexInTable returns the page table index for a virtual address.
func pageIndexInTable(addr uintptr) uintptr { return (addr >> mem.PageShift) & (entriesPerTable - 1) }

// Directory represents the single active page directory. This kernel never
// runs more than one address space (see the concurrency model's
// single-protection-domain non-goal), but paging operations are still
// expressed as methods on a receiver rather than bare package functions so
// that a second address space could be added later without reshaping the
// API.
type Directory struct {
	pdFrame   pmm.Frame
	directory *[entriesPerTable]pageDirectoryEntry
}

// Kernel is the kernel's own page directory, the only one this kernel ever
// activates.
var Kernel Directory

// SetFrameDeallocator installs freeFn as the function Free uses to release
// a page's backing frame once its mapping has been torn down.
func SetFrameDeallocator(freeFn func(pmm.Frame) *kernel.Error) {
	freeFrameFn = freeFn
}

// SetFrameReserver installs reserveFn as the function IdentityMap uses to
// mark an identity-mapped frame reserved in the frame allocator, so a
// fixed physical region mapped at its own address cannot later be handed
// out by AllocFrame to something else.
func SetFrameReserver(reserveFn func(pmm.Frame) *kernel.Error) {
	reserveFrameFn = reserveFn
}

// Init zeroes the page directory held in pdFrame, identity-maps physical
// memory up to kernelHeapEnd (so the kernel's own code, data and early heap
// keep working once paging is switched on), installs a dedicated page
// table backing the window page, and finally activates the new directory.
//
// Init must run before paging is enabled: every frame touched here is
// still accessible at an address equal to its own physical address (there
// is no translation yet), which is what lets this function bootstrap the
// window-page mechanism without needing the window page itself.
func (d *Directory) Init(pdFrame pmm.Frame, kernelHeapEnd uintptr) *kernel.Error {
	d.pdFrame = pdFrame
	d.directory = (*[entriesPerTable]pageDirectoryEntry)(unsafe.Pointer(pdFrame.Address()))

	for i := range d.directory {
		d.directory[i] = 0
		d.directory[i].SetFlags(FlagRW)
	}

	for addr := uintptr(0); addr < kernelHeapEnd; addr += uintptr(mem.PageSize) {
		if err := d.identityMapPrePaging(addr, FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	windowTableFrame, err := frameAllocFn()
	if err != nil {
		return err
	}
	windowTable := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(windowTableFrame.Address()))
	for i := range windowTable {
		windowTable[i] = 0
	}

	wTableIdx := tableIndex(windowPageAddr)
	d.directory[wTableIdx] = 0
	d.directory[wTableIdx].SetFrame(windowTableFrame)
	d.directory[wTableIdx].SetFlags(FlagPresent | FlagRW)
	windowPTE = &windowTable[pageIndexInTable(windowPageAddr)]

	loadPageDirectoryFn(pdFrame.Address())
	enablePagingFn()
	return nil
}

// identityMapPrePaging maps addr to the physical frame of the same address,
// allocating intermediate page table frames as needed. It may only be
// called before paging is enabled, since it accesses page table frames at
// their physical address directly rather than through the window page.
func (d *Directory) identityMapPrePaging(addr uintptr, flags PTEFlag) *kernel.Error {
	tIdx := tableIndex(addr)
	pde := &d.directory[tIdx]

	if !pde.HasFlags(FlagPresent) {
		tableFrame, err := frameAllocFn()
		if err != nil {
			return err
		}
		table := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(tableFrame.Address()))
		for i := range table {
			table[i] = 0
		}
		pde.SetFrame(tableFrame)
		pde.SetFlags(FlagPresent | FlagRW)
	}

	table := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(pde.Frame().Address()))
	pte := &table[pageIndexInTable(addr)]
	*pte = 0
	pte.SetFrame(pmm.FrameFromAddress(addr))
	pte.SetFlags(flags)
	return nil
}

// Allocate establishes a mapping between page and frame, allocating any
// intermediate page table that does not yet exist. Existing mappings are
// silently overwritten.
func (d *Directory) Allocate(page Page, frame pmm.Frame, flags PTEFlag) *kernel.Error {
	tIdx, pIdx := tableIndex(page.Address()), pageIndexInTable(page.Address())
	pde := &d.directory[tIdx]

	if !pde.HasFlags(FlagPresent) {
		tableFrame, err := frameAllocFn()
		if err != nil {
			return err
		}

		table := mapWindowFn(tableFrame)
		for i := range table {
			table[i] = 0
		}
		unmapWindowFn()

		pde.SetFrame(tableFrame)
		pde.SetFlags(FlagPresent | FlagRW)
	}

	table := mapWindowFn(pde.Frame())
	pte := &table[pIdx]
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	unmapWindowFn()

	invlpgFn(page.Address())
	return nil
}

// Free tears down the mapping for page and releases its backing frame. Per
// the design's deferred invariant, the page table itself is never freed
// even if this was its last present entry — only the leaf mapping and its
// frame are released.
func (d *Directory) Free(page Page) *kernel.Error {
	tIdx, pIdx := tableIndex(page.Address()), pageIndexInTable(page.Address())
	pde := &d.directory[tIdx]
	if !pde.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	table := mapWindowFn(pde.Frame())
	pte := &table[pIdx]
	if !pte.HasFlags(FlagPresent) {
		unmapWindowFn()
		return ErrInvalidMapping
	}

	frame := pte.Frame()
	*pte = 0
	unmapWindowFn()

	invlpgFn(page.Address())

	if freeFrameFn != nil {
		return freeFrameFn(frame)
	}
	return nil
}

// IdentityMap maps the page containing addr to the frame containing addr,
// i.e. virtAddr == physAddr for the mapping's lifetime. It is used for
// MMIO-style fixed physical regions that must be reachable at their own
// physical address after paging is active. Unlike Allocate, the frame it
// maps was never obtained from the frame allocator (its address is fixed
// by the caller), so it additionally marks that frame reserved in the
// frame bitmap to keep the two in sync.
func (d *Directory) IdentityMap(addr uintptr, flags PTEFlag) *kernel.Error {
	frame := pmm.FrameFromAddress(addr)
	if err := d.Allocate(PageFromAddress(addr), frame, flags); err != nil {
		return err
	}

	if reserveFrameFn != nil {
		return reserveFrameFn(frame)
	}
	return nil
}

// Translate returns the physical address that corresponds to virtAddr, or
// ErrInvalidMapping if virtAddr is not currently mapped.
func (d *Directory) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	tIdx, pIdx := tableIndex(virtAddr), pageIndexInTable(virtAddr)
	pde := &d.directory[tIdx]
	if !pde.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	table := mapWindowFn(pde.Frame())
	pte := table[pIdx]
	unmapWindowFn()

	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	offset := virtAddr & (uintptr(mem.PageSize) - 1)
	return pte.Frame().Address() + offset, nil
}

// Allocate establishes a mapping in the kernel's page directory. It is the
// kpage_allocate entry point.
func Allocate(page Page, frame pmm.Frame, flags PTEFlag) *kernel.Error {
	return Kernel.Allocate(page, frame, flags)
}

// Free tears down a mapping in the kernel's page directory. It is the
// kpage_free entry point.
func Free(page Page) *kernel.Error {
	return Kernel.Free(page)
}

// IdentityMap maps addr to itself in the kernel's page directory. It is the
// kpage_identity_map entry point.
func IdentityMap(addr uintptr, flags PTEFlag) *kernel.Error {
	return Kernel.IdentityMap(addr, flags)
}

// Translate resolves virtAddr through the kernel's page directory. It is
// the kpage_get_phys entry point.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return Kernel.Translate(virtAddr)
}
