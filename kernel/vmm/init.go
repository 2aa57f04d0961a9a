package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/pmm"
)

// Init brings up the paging layer: it allocates and activates the kernel
// page directory (identity-mapping everything up to kernelHeapEnd and
// wiring the window page), initializes the kernel address-space allocator
// using asaStorageAddr as its bitset's backing store (see
// AddressSpaceStorageWords), and installs the page-fault and
// general-protection exception handlers.
func Init(kernelHeapEnd uintptr, asaStorageAddr uintptr) *kernel.Error {
	pdFrame, err := pmm.AllocFrame()
	if err != nil {
		return err
	}

	if err := Kernel.Init(pdFrame, kernelHeapEnd); err != nil {
		return err
	}

	KernelASA.Init(asaStorageAddr)
	installFaultHandlers()
	return nil
}
