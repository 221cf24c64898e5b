package vmm

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
	"vexos/kernel/kimg"
	"vexos/kernel/mm"
	"vexos/kernel/mm/kmalloc"
)

// FaultReason describes why the MMU raised a page fault.
type FaultReason uint8

// Page fault reasons.
const (
	ReasonAbsent FaultReason = iota
	ReasonProtection
)

// FaultAction describes the access that triggered a page fault.
type FaultAction uint8

// Page fault actions.
const (
	ActionRead FaultAction = iota
	ActionWrite
	ActionExec
)

// Page-fault error code bits pushed by the CPU.
const (
	faultCodePresent = 1 << 0
	faultCodeWrite   = 1 << 1
	faultCodeUser    = 1 << 2
	faultCodeFetch   = 1 << 4
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	registerTrapISRFn = irq.RegisterTrapISR
	readCR2Fn         = cpu.ReadCR2
	kmallocOwnsVAFn   = kmalloc.OwnsVA
	inUserAccessFn    = kimg.InUserAccessSection
	memsetFn          = kernel.Memset
	panicFn           = kfmt.Panic

	// userAccessFaultStub is the instruction address execution resumes at
	// when a protection fault fires inside the .useraccess section. The
	// stub makes the interrupted call return -EFAULT without raising a
	// second fault.
	userAccessFaultStub uintptr

	errKernelOutOfMemory  = &kernel.Error{Module: "vmm", Message: "kernel out of memory", Errno: kernel.ENOMEM}
	errKernelOutOfVirtMem = &kernel.Error{Module: "vmm", Message: "kernel out of virtual memory", Errno: kernel.ENOMEM}
	errNullDeref          = &kernel.Error{Module: "vmm", Message: "possible NULL dereference in ring 0", Errno: kernel.EFAULT}
	errBogusMapping       = &kernel.Error{Module: "vmm", Message: "kernel tried mapping a weird page", Errno: kernel.EFAULT}
	errKernelProtFault    = &kernel.Error{Module: "vmm", Message: "kernel page protection violation", Errno: kernel.EFAULT}
	errUserFault          = &kernel.Error{Module: "vmm", Message: "page fault in ring 3", Errno: kernel.EFAULT}
	errUnrecoverableGPF   = &kernel.Error{Module: "vmm", Message: "general protection fault", Errno: kernel.EFAULT}
)

// SetUserAccessFaultStub registers the resume address used to recover from
// protection faults raised by .useraccess code.
func SetUserAccessFaultStub(ip uintptr) {
	userAccessFaultStub = ip
}

func registerFaultHandlers() {
	registerTrapISRFn(irq.PageFaultException, 0, pageFaultISR)
	registerTrapISRFn(irq.GPFException, 0, gpfISR)
}

func pageFaultISR(frame *irq.InterruptFrame) {
	var (
		faultVA = readCR2Fn()
		cpl     = uint8(frame.CS & 3)
		reason  = ReasonAbsent
		action  = ActionRead
	)

	if frame.Code&faultCodePresent != 0 {
		reason = ReasonProtection
	}

	switch {
	case frame.Code&faultCodeFetch != 0:
		action = ActionExec
	case frame.Code&faultCodeWrite != 0:
		action = ActionWrite
	}

	if newIP := HandlePageFault(faultVA, uintptr(frame.EIP), cpl, reason, action); newIP != 0 {
		frame.EIP = uint32(newIP)
	}
}

func gpfISR(frame *irq.InterruptFrame) {
	kfmt.Printf("\nGeneral protection fault at EIP 0x%8x, code 0x%x\n", frame.EIP, frame.Code)
	frame.Print()
	panicFn(errUnrecoverableGPF)
}

// HandlePageFault arbitrates a page fault. Recoverable faults (kernel heap
// lazy fill, .useraccess protection faults) are fixed up in place; anything
// else panics. The returned instruction pointer is non-zero when execution
// must resume somewhere other than the faulting instruction.
func HandlePageFault(faultVA, faultIP uintptr, cpl uint8, reason FaultReason, action FaultAction) uintptr {
	if cpl == 3 {
		// No user fault handling yet; a later change should route this
		// to the process signal path instead.
		panicFn(errUserFault)
		return 0
	}

	if reason == ReasonProtection {
		if inUserAccessFn(faultIP) {
			return userAccessFaultStub
		}

		kfmt.Printf("\nPage protection violation @ 0x%8x (%s) ip=0x%8x\n", faultVA, actionString(action), faultIP)
		panicFn(errKernelProtFault)
		return 0
	}

	if kmallocOwnsVAFn(faultVA) {
		lazyMapHeapPage(faultVA)
		return 0
	}

	if faultVA < mm.PageSize {
		panicFn(errNullDeref)
		return 0
	}

	kfmt.Printf("\nKernel fault @ 0x%8x (%s) ip=0x%8x\n", faultVA, actionString(action), faultIP)
	panicFn(errBogusMapping)
	return 0
}

// lazyMapHeapPage backs an untouched kernel heap page with the physical
// frame mirroring its virtual address. Any other frame would break the
// promise that the kernel heap is contiguous in both virtual and physical
// memory, so running out of the mirrored frame is fatal.
func lazyMapHeapPage(faultVA uintptr) {
	alignedVA := kernel.AlignDown(faultVA, mm.PageSize)

	frame, err := mm.AllocFrameAt(alignedVA - kimg.MapOffset())
	if err != nil {
		panicFn(errKernelOutOfMemory)
		return
	}

	if err = kernelPagingStruct.Map(mm.PageFromAddress(alignedVA), frame, FlagRead|FlagWrite); err != nil {
		panicFn(errKernelOutOfVirtMem)
		return
	}

	// Kernel heap pages are handed out zeroed.
	memsetFn(alignedVA, 0, mm.PageSize)
}

func actionString(action FaultAction) string {
	switch action {
	case ActionWrite:
		return "w"
	case ActionExec:
		return "x"
	default:
		return "r"
	}
}
