package heap

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/kalloc"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/vmm"
)

// InstallAsKalloc makes h the backing allocator for kernel/kalloc's
// kmalloc*/kfree façade, translating kalloc's (size, flags, phys) calling
// convention into h.Malloc/h.Free and resolving the physical address behind
// an allocation via vmm.Translate when the caller asked for one. Grounded
// on kheap_kalloc_install wiring __kheap_kalloc_malloc_real/
// __kheap_kalloc_free into kalloc_data.
func (h *Heap) InstallAsKalloc() {
	kalloc.Install(h.kallocMalloc, h.kallocFree)
}

func (h *Heap) kallocMalloc(size uint32, flags kalloc.Flag, phys *uintptr) (uintptr, *kernel.Error) {
	align := uint32(0)
	if flags&kalloc.PageAlign != 0 {
		align = uint32(mem.PageSize)
	}

	addr, err := h.Malloc(size, align)
	if err != nil {
		return 0, err
	}

	if phys != nil {
		p, terr := vmm.Translate(addr)
		if terr != nil {
			return 0, terr
		}
		*phys = p
	}
	return addr, nil
}

func (h *Heap) kallocFree(addr uintptr) *kernel.Error {
	return h.Free(addr)
}
