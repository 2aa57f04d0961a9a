package vmm

import (
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/pmm"
)

// PTEFlag describes a flag applied to a page directory or page table entry.
// The i386 MMU encodes the same bit positions for both levels.
type PTEFlag uint32

// Page directory/table entry flags, matching the i386 paging structures.
const (
	// FlagPresent marks the entry as present; the MMU raises a page fault
	// when a present bit is clear.
	FlagPresent PTEFlag = 1 << iota

	// FlagRW marks the mapping as writable; when clear, writes fault.
	FlagRW

	// FlagUser marks the mapping as accessible from user mode.
	FlagUser

	// FlagWriteThrough selects write-through caching for the mapping.
	FlagWriteThrough

	// FlagCacheDisable disables caching for the mapping.
	FlagCacheDisable

	// FlagAccessed is set by the MMU the first time the entry is used.
	FlagAccessed

	// FlagDirty is set by the MMU the first time a page is written to.
	// Only meaningful on page table entries.
	FlagDirty
)

// pteFrameMask isolates the physical frame address bits of an i386 page
// directory/table entry, discarding the low 12 flag bits.
const pteFrameMask = ^uint32(mem.PageSize - 1)

// pageTableEntry is a single i386 page table entry: 20 bits of physical
// frame address plus 12 bits of flags.
type pageTableEntry uint32

// HasFlags returns true if every flag in flags is set.
func (pte pageTableEntry) HasFlags(flags PTEFlag) bool {
	return uint32(pte)&uint32(flags) == uint32(flags)
}

// SetFlags ORs flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PTEFlag) {
	*pte = pageTableEntry(uint32(*pte) | uint32(flags))
}

// ClearFlags clears flags from the entry.
func (pte *pageTableEntry) ClearFlags(flags PTEFlag) {
	*pte = pageTableEntry(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical frame this entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(uint32(pte) & pteFrameMask))
}

// SetFrame updates the entry to point at frame, preserving its flags.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uint32(*pte) &^ pteFrameMask) | uint32(frame.Address()))
}

// pageDirectoryEntry is a single i386 page directory entry. It has the same
// wire format as pageTableEntry (20-bit frame address of the page table it
// points to, plus 12 bits of flags) but is kept as a distinct type so that
// directory and table entries cannot be mixed up accidentally.
type pageDirectoryEntry uint32

// HasFlags returns true if every flag in flags is set.
func (pde pageDirectoryEntry) HasFlags(flags PTEFlag) bool {
	return uint32(pde)&uint32(flags) == uint32(flags)
}

// SetFlags ORs flags into the entry.
func (pde *pageDirectoryEntry) SetFlags(flags PTEFlag) {
	*pde = pageDirectoryEntry(uint32(*pde) | uint32(flags))
}

// ClearFlags clears flags from the entry.
func (pde *pageDirectoryEntry) ClearFlags(flags PTEFlag) {
	*pde = pageDirectoryEntry(uint32(*pde) &^ uint32(flags))
}

// Frame returns the physical frame of the page table this entry points to.
func (pde pageDirectoryEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(uint32(pde) & pteFrameMask))
}

// SetFrame updates the entry to point at the page table occupying frame,
// preserving its flags.
func (pde *pageDirectoryEntry) SetFrame(frame pmm.Frame) {
	*pde = pageDirectoryEntry((uint32(*pde) &^ pteFrameMask) | uint32(frame.Address()))
}
