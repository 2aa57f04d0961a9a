package vmm

import "ia32kernel/kernel/mem"

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address this Page corresponds to.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page that contains the given virtual address.
func PageFromAddress(addr uintptr) Page {
	return Page(addr >> mem.PageShift)
}
