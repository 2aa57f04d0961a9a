package vmm

import (
	"ia32kernel/kernel/mem"
	"testing"
	"unsafe"
)

// fakeASAStorage hands out a real Go buffer to stand in for the
// placement-allocator memory production code obtains via
// Placement.AllocBytes for the AddressSpace bitset.
func fakeASAStorage(t *testing.T) uintptr {
	t.Helper()
	words := make([]uint32, AddressSpaceStorageWords())
	return uintptr(unsafe.Pointer(&words[0]))
}

func TestAddressSpaceAllocFreeRoundTrip(t *testing.T) {
	var a AddressSpace
	a.Init(fakeASAStorage(t))

	addr, err := a.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr < KVirtReserved || addr >= KVirtMax {
		t.Fatalf("address 0x%x out of managed range", addr)
	}
	if addr%uintptr(mem.PageSize) != 0 {
		t.Fatalf("address 0x%x is not page-aligned", addr)
	}

	if err := a.Free(addr, 4); err != nil {
		t.Fatalf("Free: %v", err)
	}

	addr2, err := a.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
	if addr2 != addr {
		t.Errorf("expected freed range to be reused, got 0x%x want 0x%x", addr2, addr)
	}
}

func TestAddressSpaceDoubleFree(t *testing.T) {
	var a AddressSpace
	a.Init(fakeASAStorage(t))

	addr, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Free(addr, 2); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(addr, 2); err != errASADoubleFree {
		t.Errorf("expected errASADoubleFree; got %v", err)
	}
}

func TestAddressSpaceFreeOutOfBounds(t *testing.T) {
	var a AddressSpace
	a.Init(fakeASAStorage(t))

	if err := a.Free(0, 1); err != errASANotManaged {
		t.Errorf("expected errASANotManaged; got %v", err)
	}
	if err := a.Free(KVirtMax, 1); err != errASANotManaged {
		t.Errorf("expected errASANotManaged; got %v", err)
	}
}

func TestAddressSpaceExhaustion(t *testing.T) {
	var a AddressSpace
	a.Init(fakeASAStorage(t))

	if _, err := a.Alloc(a.npages + 1); err != errASAOutOfSpace {
		t.Errorf("expected errASAOutOfSpace; got %v", err)
	}
}

func TestAddressSpaceReservesWindowPage(t *testing.T) {
	var a AddressSpace
	a.Init(fakeASAStorage(t))

	// The window page is either past the last page the bitset covers (so
	// Alloc can never return it) or inside it with its bit pre-set.
	windowBit := uint32(windowPageAddr>>mem.PageShift) - uint32(a.pageBase)
	if windowBit < a.npages && !a.bits.Test(windowBit) {
		t.Errorf("expected the window page's bit to be pre-reserved")
	}
}
