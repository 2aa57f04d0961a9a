// Package cpu exposes low-level, architecture-specific primitives that the
// memory-management and interrupt-handling code needs but cannot express in
// portable Go. Each function below has no body; its implementation is
// supplied by the (out-of-scope) boot assembly layer.
package cpu

// EnableInterrupts enables CPU interrupts (sti).
func EnableInterrupts()

// DisableInterrupts disables CPU interrupts (cli).
func DisableInterrupts()

// Halt stops the CPU until the next interrupt (hlt). It is invoked by
// kfmt.Panic as the kernel's final action.
func Halt()

// LoadPageDirectory loads the physical address of a page directory into CR3,
// making it the active address space.
func LoadPageDirectory(pageDirPhysAddr uintptr)

// EnablePaging sets the PG bit in CR0, turning on paging using whichever
// page directory was last loaded via LoadPageDirectory.
func EnablePaging()

// Invlpg flushes the TLB entry for a single virtual address, required after
// any change to that address's page table entry while paging is active.
func Invlpg(virtAddr uintptr)

// FaultAddress returns the value of CR2, the virtual address that caused the
// most recent page fault.
func FaultAddress() uintptr
