package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/bitset"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/sync"
)

// Fixed bounds of the kernel's virtual address space, per the boot
// contract: addresses below KVirtReserved belong to the identity-mapped
// kernel image and early heap, and addresses at or above KVirtMax are
// never handed out (the top of the space is where the window page lives).
const (
	KVirtReserved = uintptr(0x179000)
	KVirtMax      = uintptr(0x3fffffff)
)

var (
	errASAOutOfSpace = &kernel.Error{Module: "asa", Message: "kernel address space exhausted"}
	errASADoubleFree = &kernel.Error{Module: "asa", Message: "address range already free"}
	errASANotManaged = &kernel.Error{Module: "asa", Message: "address range out of bounds"}
)

// AddressSpace is a bitset-backed allocator for pages of the kernel's
// virtual address space, covering [KVirtReserved, KVirtMax). One bit per
// page; allocation is a first-fit scan for a run of n consecutive clear
// bits, mirroring the kernel's frame allocator.
type AddressSpace struct {
	mu       sync.Spinlock
	bits     bitset.Bitset
	pageBase uintptr
	npages   uint32
}

// AddressSpaceStorageWords returns how many 32-bit words of backing memory
// Init needs for the [KVirtReserved, KVirtMax) range, so a caller can size a
// placement-allocator allocation before Init is called.
func AddressSpaceStorageWords() uint32 {
	npages := uint32((KVirtMax - KVirtReserved) >> mem.PageShift)
	return (npages + 31) / 32
}

// Init sizes the allocator to cover the whole pages in [KVirtReserved,
// KVirtMax). The window page at windowPageAddr is the first page past that
// range, so Alloc never hands it out; if it fell inside the range, Init
// would set its bit instead.
//
// storageAddr must point at AddressSpaceStorageWords() words of memory
// obtained from the placement allocator, for the same "need memory to
// describe memory" reason the frame bitmap takes one: the kernel address
// space allocator has to exist before the heap it eventually backs does, so
// it cannot lean on the heap (or the Go allocator underneath it) for its own
// bitset.
func (a *AddressSpace) Init(storageAddr uintptr) {
	a.pageBase = KVirtReserved >> mem.PageShift
	a.npages = uint32((KVirtMax - KVirtReserved) >> mem.PageShift)
	a.bits.Init(a.npages, bitset.SliceAt(storageAddr, AddressSpaceStorageWords()))

	windowBit := uint32(windowPageAddr>>mem.PageShift) - uint32(a.pageBase)
	if windowBit < a.npages {
		a.bits.Set(windowBit)
	}
}

// Alloc reserves nPages consecutive virtual pages and returns the virtual
// address of the first one.
func (a *AddressSpace) Alloc(nPages uint32) (uintptr, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	start, ok := a.bits.FirstClearRun(0, nPages)
	if !ok {
		return 0, errASAOutOfSpace
	}

	for bit := start; bit < start+nPages; bit++ {
		a.bits.Set(bit)
	}

	return (uintptr(a.pageBase+uintptr(start)) << mem.PageShift), nil
}

// Free releases nPages consecutive virtual pages starting at vaddr back to
// the allocator. vaddr must have been returned by a previous call to
// Alloc with the same nPages; freeing the same range twice returns
// errASADoubleFree.
func (a *AddressSpace) Free(vaddr uintptr, nPages uint32) *kernel.Error {
	page := vaddr >> mem.PageShift
	if page < a.pageBase || page-a.pageBase >= uintptr(a.npages) {
		return errASANotManaged
	}
	start := uint32(page - a.pageBase)

	a.mu.Acquire()
	defer a.mu.Release()

	for bit := start; bit < start+nPages; bit++ {
		if !a.bits.Test(bit) {
			return errASADoubleFree
		}
	}
	for bit := start; bit < start+nPages; bit++ {
		a.bits.Clear(bit)
	}
	return nil
}

// KernelASA is the kernel's own address-space allocator.
var KernelASA AddressSpace
