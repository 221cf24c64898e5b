// Package syscall exposes the kernel to ring 3 through trap vector 0x80.
// The syscall number travels in EAX, up to six arguments in EBX, ECX, EDX,
// ESI, EDI and EBP, and the return value comes back in EAX with negative
// values carrying -errno.
package syscall

import (
	"vexos/kernel"
	"vexos/kernel/irq"
	"vexos/kernel/proc"
)

// Vector is the syscall trap vector.
const Vector = 0x80

// HandlerFn is a syscall adapter: it pulls its typed arguments out of the
// register set and returns the value placed in EAX.
type HandlerFn func(p *proc.Process, args *Args) int32

// Args carries the six argument registers in ABI order.
type Args struct {
	A0, A1, A2, A3, A4, A5 uint32
}

var (
	// registerTrapISRFn is mocked by tests and is automatically inlined
	// by the compiler.
	registerTrapISRFn = irq.RegisterTrapISR

	currentProcFn = proc.Current
)

// Init installs the syscall gate: a DPL-3 trap gate so ring 3 can reach it
// and interrupts stay enabled semantics stay those of a trap.
func Init() *kernel.Error {
	return registerTrapISRFn(Vector, 3, syscallISR)
}

func syscallISR(frame *irq.InterruptFrame) {
	args := Args{
		A0: frame.EBX,
		A1: frame.ECX,
		A2: frame.EDX,
		A3: frame.ESI,
		A4: frame.EDI,
		A5: frame.EBP,
	}

	frame.EAX = uint32(dispatch(frame.EAX, currentProcFn(), &args))
}

// dispatch routes a syscall number to its table entry; numbers without an
// entry land in the undefined stub.
func dispatch(num uint32, p *proc.Process, args *Args) int32 {
	if num >= uint32(len(syscallTable)) || syscallTable[num] == nil {
		return sysUndefined(p, args)
	}

	return syscallTable[num](p, args)
}

func sysUndefined(*proc.Process, *Args) int32 {
	return -int32(kernel.ENOSYS)
}

// errno converts a kernel error to the negative return convention.
func errno(err *kernel.Error) int32 {
	if err == nil {
		return 0
	}
	return -int32(err.Errno)
}
