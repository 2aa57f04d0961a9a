package heap

import (
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/vmm"
	"testing"
	"unsafe"
)

// fakeBlockMemory hands out a real, page-aligned Go buffer to stand in for
// a block of already-mapped virtual memory, bypassing Expand (which needs a
// live paging layer this hosted test cannot provide).
func fakeBlockMemory(t *testing.T, size uint32) uintptr {
	t.Helper()
	buf := make([]byte, int(size)+int(mem.PageSize))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	return aligned
}

func TestHeapMallocFreeRoundTrip(t *testing.T) {
	var h Heap
	h.Init(DefaultSectionSize, MinBlockSize, 0)
	h.AddBlock(fakeBlockMemory(t, 4096), 4096, DefaultSectionSize)

	a, err := h.Malloc(32, 0)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	b, err := h.Malloc(64, 0)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct allocations, both got 0x%x", a)
	}

	if err := h.Free(a); err != nil {
		t.Fatalf("Free a: %v", err)
	}
	if err := h.Free(b); err != nil {
		t.Fatalf("Free b: %v", err)
	}

	// A fresh allocation after freeing everything should succeed and reuse
	// the block's space rather than report it as exhausted.
	if _, err := h.Malloc(32, 0); err != nil {
		t.Fatalf("Malloc after Free: %v", err)
	}
}

func TestHeapFreeUnknownAddress(t *testing.T) {
	var h Heap
	h.Init(DefaultSectionSize, MinBlockSize, 0)
	h.AddBlock(fakeBlockMemory(t, 4096), 4096, DefaultSectionSize)

	if err := h.Free(0xdeadbeef); err != errUnknownBlock {
		t.Errorf("expected errUnknownBlock; got %v", err)
	}
}

func TestHeapFreeNotAllocated(t *testing.T) {
	var h Heap
	h.Init(DefaultSectionSize, MinBlockSize, 0)
	h.AddBlock(fakeBlockMemory(t, 4096), 4096, DefaultSectionSize)

	// Nothing has been allocated yet, so freeing any address inside the
	// block's usable range must fail rather than silently clearing
	// sections nobody reserved.
	if err := h.Free(h.first.start + uintptr(DefaultSectionSize)); err != errNotAllocated {
		t.Errorf("expected errNotAllocated; got %v", err)
	}
}

func TestHeapOutOfMemoryWithoutAutoExpand(t *testing.T) {
	var h Heap
	h.Init(DefaultSectionSize, MinBlockSize, 0)
	h.AddBlock(fakeBlockMemory(t, 256), 256, DefaultSectionSize)

	if _, err := h.Malloc(1024, 0); err != errOutOfMemory {
		t.Errorf("expected errOutOfMemory; got %v", err)
	}
}

func TestHeapMallocSpansMultipleBlocks(t *testing.T) {
	var h Heap
	h.Init(DefaultSectionSize, MinBlockSize, 0)
	h.AddBlock(fakeBlockMemory(t, 256), 256, DefaultSectionSize)
	h.AddBlock(fakeBlockMemory(t, 4096), 4096, DefaultSectionSize)

	// The first (most recently added) block is too small for this
	// allocation; Malloc must fall through to the second block instead of
	// failing outright.
	if _, err := h.Malloc(1024, 0); err != nil {
		t.Fatalf("Malloc: %v", err)
	}
}

func TestHeapManualAlignment(t *testing.T) {
	var h Heap
	h.Init(DefaultSectionSize, MinBlockSize, 0)
	h.AddBlock(fakeBlockMemory(t, 8192), 8192, DefaultSectionSize)

	addr, err := h.Malloc(64, 256)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if addr%256 != 0 {
		t.Errorf("expected address aligned to 256; got 0x%x", addr)
	}
}

func TestHeapExpandReportsAddressSpaceExhaustion(t *testing.T) {
	asaStorage := make([]uint32, vmm.AddressSpaceStorageWords())
	var asa vmm.AddressSpace
	asa.Init(uintptr(unsafe.Pointer(&asaStorage[0])))
	origKernelASA := vmm.KernelASA
	vmm.KernelASA = asa
	t.Cleanup(func() { vmm.KernelASA = origKernelASA })

	var h Heap
	h.Init(DefaultSectionSize, MinBlockSize, AutoExpand)

	hugeSize := uint32(0xffffffff)
	if _, err := h.Malloc(hugeSize, 0); err == nil {
		t.Errorf("expected an error when requesting more address space than exists")
	}
}
