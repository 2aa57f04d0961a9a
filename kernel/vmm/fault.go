package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/irq"
	"ia32kernel/kernel/kfmt"
)

var (
	faultAddressFn = cpu.FaultAddress

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}
)

// Page-fault error code bit layout (i386): bit 0 clear means the fault was
// caused by a non-present page; bit 1 set means the access was a write;
// bit 2 set means the fault happened in user mode; bit 3 set means a
// reserved page table bit was found set.
const (
	pfPresent  = 1 << 0
	pfWrite    = 1 << 1
	pfUser     = 1 << 2
	pfReserved = 1 << 3
)

// pageFaultHandler reports the faulting address and decoded error code and
// halts the kernel. This kernel has no swap, overcommit or copy-on-write
// support, so every page fault is unrecoverable.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := faultAddressFn()

	kfmt.Printf("\npage fault at address 0x%x\nreason: ", faultAddress)
	switch {
	case errorCode&pfPresent == 0:
		kfmt.Printf("page not present")
	case errorCode&pfReserved != 0:
		kfmt.Printf("page table has reserved bit set")
	case errorCode&pfWrite != 0:
		kfmt.Printf("write to read-only page")
	case errorCode&pfUser != 0:
		kfmt.Printf("privileged page accessed from user mode")
	default:
		kfmt.Printf("protection violation")
	}
	kfmt.Printf("\n\nregisters:\n")
	regs.Print()
	frame.Print()

	kfmt.Panic(errUnrecoverableFault)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\ngeneral protection fault\n\nregisters:\n")
	regs.Print()
	frame.Print()

	kfmt.Panic(errUnrecoverableFault)
}

// installFaultHandlers registers the page-fault and general-protection
// exception handlers.
func installFaultHandlers() {
	irq.HandleExceptionWithCode(irq.PageFaultException, pageFaultHandler)
	irq.HandleExceptionWithCode(irq.GPFException, generalProtectionFaultHandler)
}
