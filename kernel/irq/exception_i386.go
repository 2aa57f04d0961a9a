// Package irq provides types and registration hooks for CPU exception
// handlers. The actual ISR dispatch (stub assembly, IDT wiring) lives
// outside this package's scope; irq only defines the handler contract the
// vmm package relies on for reporting page faults.
package irq

import "ia32kernel/kernel/kfmt"

// ExceptionNum identifies one of the CPU's reserved exception vectors.
type ExceptionNum uint8

// Exception vector numbers used by this kernel, matching the i386
// architecture manual's reserved vector assignments.
const (
	// GPFException is the general protection fault vector.
	GPFException ExceptionNum = 13

	// PageFaultException is the page fault vector.
	PageFaultException ExceptionNum = 14
)

// Regs holds the general purpose register state saved by the ISR stub
// before an exception handler runs.
type Regs struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP      uint32
}

// Print dumps the saved general purpose registers via kfmt.Printf.
func (r *Regs) Print() {
	kfmt.Printf("eax: 0x%x ebx: 0x%x ecx: 0x%x edx: 0x%x\nesi: 0x%x edi: 0x%x ebp: 0x%x\n",
		r.EAX, r.EBX, r.ECX, r.EDX, r.ESI, r.EDI, r.EBP)
}

// Frame holds the CPU-pushed interrupt frame (the part of the stack the
// processor itself writes before transferring control to the ISR stub).
type Frame struct {
	EIP, CS, EFLAGS uint32
	ESP, SS         uint32
}

// Print dumps the CPU-pushed interrupt frame via kfmt.Printf.
func (f *Frame) Print() {
	kfmt.Printf("eip: 0x%x cs: 0x%x eflags: 0x%x esp: 0x%x ss: 0x%x\n",
		f.EIP, f.CS, f.EFLAGS, f.ESP, f.SS)
}

// ExceptionHandlerWithCode is a handler for exceptions that push an error
// code onto the stack (e.g. page faults, general protection faults).
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// HandleExceptionWithCode registers handler as the handler for the given
// exception vector. The actual IDT entry installation is performed by the
// (out-of-scope) boot/arch layer; this function has no body here.
func HandleExceptionWithCode(exception ExceptionNum, handler ExceptionHandlerWithCode)
