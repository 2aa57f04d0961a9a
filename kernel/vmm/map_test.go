package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/pmm"
	"testing"
	"unsafe"
)

// framePool hands out page-aligned, zeroed buffers to stand in for physical
// frames during tests, since a hosted test binary cannot hand out real
// physical memory. Backing the pool with actual Go memory means the
// unsafe.Pointer dereferences inside Directory's methods operate on
// perfectly ordinary, valid memory.
type framePool struct {
	bufs [][]byte
}

func (p *framePool) alloc() (pmm.Frame, *kernel.Error) {
	buf := make([]byte, 2*int(mem.PageSize))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	p.bufs = append(p.bufs, buf)
	return pmm.FrameFromAddress(aligned), nil
}

// withFakeFrames mocks every vmm primitive that assumes real hardware: frame
// allocation, loading/enabling paging, TLB invalidation, and the window
// page itself. A hosted test binary has no MMU to translate windowPageAddr,
// so mapWindowFn/unmapWindowFn are redirected to reach the target frame
// through its real Go address instead of through the (nonexistent, in this
// process) window mapping.
func withFakeFrames(t *testing.T) *framePool {
	t.Helper()
	pool := &framePool{}

	origAlloc, origLoad, origEnable, origInvlpg, origFree := frameAllocFn, loadPageDirectoryFn, enablePagingFn, invlpgFn, freeFrameFn
	origReserve := reserveFrameFn
	origMapWindow, origUnmapWindow := mapWindowFn, unmapWindowFn
	t.Cleanup(func() {
		frameAllocFn = origAlloc
		loadPageDirectoryFn = origLoad
		enablePagingFn = origEnable
		invlpgFn = origInvlpg
		freeFrameFn = origFree
		reserveFrameFn = origReserve
		mapWindowFn = origMapWindow
		unmapWindowFn = origUnmapWindow
	})

	frameAllocFn = pool.alloc
	loadPageDirectoryFn = func(uintptr) {}
	enablePagingFn = func() {}
	invlpgFn = func(uintptr) {}
	freeFrameFn = nil
	reserveFrameFn = nil
	mapWindowFn = func(frame pmm.Frame) *[entriesPerTable]pageTableEntry {
		return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(frame.Address()))
	}
	unmapWindowFn = func() {}

	return pool
}

func TestDirectoryAllocateFreeTranslate(t *testing.T) {
	withFakeFrames(t)

	var d Directory
	pdFrame, _ := frameAllocFn()
	if err := d.Init(pdFrame, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	dataFrame, _ := frameAllocFn()
	page := PageFromAddress(0x01000000)

	if err := d.Allocate(page, dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	phys, err := d.Translate(page.Address() + 0x10)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if exp := dataFrame.Address() + 0x10; phys != exp {
		t.Errorf("expected phys 0x%x; got 0x%x", exp, phys)
	}

	if err := d.Free(page); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if _, err := d.Translate(page.Address()); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping after Free; got %v", err)
	}
}

func TestDirectoryIdentityMap(t *testing.T) {
	withFakeFrames(t)

	var reserved []pmm.Frame
	reserveFrameFn = func(f pmm.Frame) *kernel.Error {
		reserved = append(reserved, f)
		return nil
	}

	var d Directory
	pdFrame, _ := frameAllocFn()
	if err := d.Init(pdFrame, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	const addr = uintptr(0x02000000)
	if err := d.IdentityMap(addr, FlagPresent|FlagRW); err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}

	phys, err := d.Translate(addr)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if phys != addr {
		t.Errorf("expected identity mapping 0x%x == 0x%x", phys, addr)
	}

	if len(reserved) != 1 || reserved[0] != pmm.FrameFromAddress(addr) {
		t.Errorf("expected the identity-mapped frame to be reserved; got %v", reserved)
	}
}

func TestTranslateUnmapped(t *testing.T) {
	withFakeFrames(t)

	var d Directory
	pdFrame, _ := frameAllocFn()
	if err := d.Init(pdFrame, 0); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := d.Translate(0x12345000); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping; got %v", err)
	}
}
