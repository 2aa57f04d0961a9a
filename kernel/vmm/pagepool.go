package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/pmm"
)

// Pagepool is the alternative early-init strategy to the window page: a
// small fixed pool of pre-mapped page table frames kept ready so that
// growing the page directory never itself requires allocating and mapping
// a fresh page table on the fly. It is not wired into Directory's
// allocate/free path (this kernel uses the window-page technique there
// instead) and exists to document the alternative considered.
type Pagepool struct {
	entries [pagepoolEntries]pagepoolEntry
}

const (
	// pagepoolEntries is the number of pre-allocated page table frames
	// the pool keeps ready.
	pagepoolEntries = 20

	// pagepoolThreshold is the low-water mark: once fewer than this many
	// entries remain valid, the pool should be refilled before it is
	// next drained.
	pagepoolThreshold = 3
)

type pagepoolEntry struct {
	valid bool
	phys  pmm.Frame
	virt  uintptr
}

// Refill tops the pool back up to pagepoolEntries valid entries, allocating
// a fresh frame for every invalid slot via allocFrame.
func (p *Pagepool) Refill(allocFrame func() (pmm.Frame, *kernel.Error)) *kernel.Error {
	for i := range p.entries {
		if p.entries[i].valid {
			continue
		}
		frame, err := allocFrame()
		if err != nil {
			return err
		}
		p.entries[i] = pagepoolEntry{valid: true, phys: frame, virt: frame.Address()}
	}
	return nil
}

// Take removes and returns one frame from the pool, or ok=false if the
// pool is empty.
func (p *Pagepool) Take() (frame pmm.Frame, ok bool) {
	for i := range p.entries {
		if p.entries[i].valid {
			p.entries[i].valid = false
			return p.entries[i].phys, true
		}
	}
	return pmm.InvalidFrame, false
}

// NeedsRefill reports whether fewer than pagepoolThreshold entries remain
// valid.
func (p *Pagepool) NeedsRefill() bool {
	remaining := 0
	for i := range p.entries {
		if p.entries[i].valid {
			remaining++
		}
	}
	return remaining < pagepoolThreshold
}
