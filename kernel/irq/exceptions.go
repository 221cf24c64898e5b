package irq

import (
	"vexos/kernel"
	"vexos/kernel/kfmt"
)

var (
	// panicFn is mocked by tests and is automatically inlined by the
	// compiler.
	panicFn = kfmt.Panic

	errDivideError   = &kernel.Error{Module: "irq", Message: "division by zero in ring 0", Errno: kernel.EFAULT}
	errInvalidOpcode = &kernel.Error{Module: "irq", Message: "invalid opcode", Errno: kernel.EFAULT}
	errDoubleFault   = &kernel.Error{Module: "irq", Message: "double fault", Errno: kernel.EFAULT}
	errMachineCheck  = &kernel.Error{Module: "irq", Message: "machine check", Errno: kernel.EFAULT}
)

func divideErrorISR(frame *InterruptFrame) {
	kfmt.Printf("\nDivision by zero at EIP 0x%8x\n", frame.EIP)
	panicFn(errDivideError)
}

func invalidOpcodeISR(frame *InterruptFrame) {
	kfmt.Printf("\nInvalid instruction at EIP 0x%8x\n", frame.EIP)
	frame.Print()
	panicFn(errInvalidOpcode)
}

func doubleFaultISR(frame *InterruptFrame) {
	kfmt.Printf("\nDouble fault at EIP 0x%8x\n", frame.EIP)
	panicFn(errDoubleFault)
}

func machineCheckISR(frame *InterruptFrame) {
	kfmt.Printf("\nMachine check at EIP 0x%8x\n", frame.EIP)
	panicFn(errMachineCheck)
}

// SetupCommonExceptionHandlers installs the handlers for the exceptions
// that are always fatal. The page-fault and GPF handlers are owned by the
// vmm and registered during its init.
func SetupCommonExceptionHandlers() {
	RegisterTrapISR(DivideError, 0, divideErrorISR)
	RegisterTrapISR(InvalidOpcode, 0, invalidOpcodeISR)
	RegisterTrapISR(DoubleFault, 0, doubleFaultISR)
	RegisterTrapISR(MachineCheck, 0, machineCheckISR)
}
