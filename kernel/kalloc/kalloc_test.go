package kalloc

import (
	"ia32kernel/kernel"
	"testing"
)

type fakeAllocator struct {
	nextAddr   uintptr
	lastSize   uint32
	lastFlags  Flag
	freed      []uintptr
	failMalloc *kernel.Error
}

func (f *fakeAllocator) malloc(size uint32, flags Flag, phys *uintptr) (uintptr, *kernel.Error) {
	if f.failMalloc != nil {
		return 0, f.failMalloc
	}
	f.lastSize, f.lastFlags = size, flags
	f.nextAddr += 0x1000
	if phys != nil {
		*phys = f.nextAddr + 0x40000000
	}
	return f.nextAddr, nil
}

func (f *fakeAllocator) free(addr uintptr) *kernel.Error {
	f.freed = append(f.freed, addr)
	return nil
}

func withFakeAllocator(t *testing.T) *fakeAllocator {
	t.Helper()
	f := &fakeAllocator{}
	t.Cleanup(func() { Install(nil, nil) })
	Install(f.malloc, f.free)
	return f
}

func TestGeneralDispatchesWithNoFlags(t *testing.T) {
	f := withFakeAllocator(t)

	addr, err := General(128, 0)
	if err != nil {
		t.Fatalf("General: %v", err)
	}
	if addr == 0 {
		t.Fatalf("expected a nonzero address")
	}
	if f.lastSize != 128 || f.lastFlags != 0 {
		t.Errorf("unexpected call: size=%d flags=%v", f.lastSize, f.lastFlags)
	}
}

func TestPageAlignedSetsFlag(t *testing.T) {
	f := withFakeAllocator(t)

	if _, err := PageAligned(64, 0); err != nil {
		t.Fatalf("PageAligned: %v", err)
	}
	if f.lastFlags&PageAlign == 0 {
		t.Errorf("expected PageAlign flag to be set")
	}
}

func TestWithPhysReportsPhysicalAddress(t *testing.T) {
	withFakeAllocator(t)

	addr, phys, err := WithPhys(64, 0)
	if err != nil {
		t.Fatalf("WithPhys: %v", err)
	}
	if phys != addr+0x40000000 {
		t.Errorf("expected phys = addr+0x40000000; got addr=0x%x phys=0x%x", addr, phys)
	}
}

func TestPageAlignedWithPhysSetsFlagAndPhys(t *testing.T) {
	f := withFakeAllocator(t)

	addr, phys, err := PageAlignedWithPhys(64, 0)
	if err != nil {
		t.Fatalf("PageAlignedWithPhys: %v", err)
	}
	if f.lastFlags&PageAlign == 0 {
		t.Errorf("expected PageAlign flag to be set")
	}
	if phys != addr+0x40000000 {
		t.Errorf("unexpected phys 0x%x for addr 0x%x", phys, addr)
	}
}

func TestFreeDispatchesToInstalledAllocator(t *testing.T) {
	f := withFakeAllocator(t)

	if err := Free(0x1234); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if len(f.freed) != 1 || f.freed[0] != 0x1234 {
		t.Errorf("expected Free to forward 0x1234; got %v", f.freed)
	}
}

func TestDispatchWithoutInstallReturnsError(t *testing.T) {
	Install(nil, nil)

	if _, err := General(16, 0); err != errNotInstalled {
		t.Errorf("expected errNotInstalled; got %v", err)
	}
	if err := Free(0x10); err != errNotInstalled {
		t.Errorf("expected errNotInstalled; got %v", err)
	}
}

func TestMallocPropagatesAllocatorError(t *testing.T) {
	f := withFakeAllocator(t)
	f.failMalloc = &kernel.Error{Module: "heap", Message: "out of memory"}

	if _, err := General(16, 0); err != f.failMalloc {
		t.Errorf("expected allocator error to propagate; got %v", err)
	}
}

// dispatch's Critical handling calls kfmt.Panic on failure, which halts the
// CPU rather than unwinding the Go stack; like vmm's page-fault handler, it
// has no test here since kfmt.Panic's halt is only mockable from inside the
// kfmt package itself.
