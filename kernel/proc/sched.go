package proc

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/timer"
)

var (
	// current is the process owning the CPU, nil while the kernel
	// bring-up path runs.
	current *Process

	// tickPending is set by the timer ISR; user-mode resume points check
	// it and yield.
	tickPending bool

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	setKernelStackFn = cpu.SetKernelStack
	loadSchedPSFn    = func(ps *vmm.PagingStruct) *kernel.Error { return ps.Load() }
	taskSwitchFn     = taskSwitch
	jumpToUserFn     = jumpToUser
	onTickFn         = timer.OnTick
)

// Current returns the process owning the CPU.
func Current() *Process {
	return current
}

// SchedInit hooks the scheduler into the timer tick. Kernel code is
// non-preemptible: the tick only flags that a switch is due; the switch
// itself happens at the next resume-to-user point or explicit Yield.
func SchedInit() {
	onTickFn(func() {
		tickPending = true
	})
}

// TickPending reports and clears the pending-tick flag.
func TickPending() bool {
	was := tickPending
	tickPending = false
	return was
}

// dispatch makes p the current process. The TSS kernel stack slot always
// tracks the current process's kernel stack top so the next privilege
// escalation lands on it.
func dispatch(p *Process) {
	prev := current
	current = p

	setKernelStackFn(p.KStackTop)
	loadSchedPSFn(p.PagingStruct)

	if !p.entered {
		// First entry: fabricate the ring 3 context instead of
		// resuming a saved one.
		p.entered = true
		jumpToUserFn(p.InstPtr, p.StackPtr)
		return
	}

	if prev == nil || prev == p {
		return
	}

	taskSwitchFn(&prev.ctx, &p.ctx)
}

// Yield hands the CPU to the next runnable process, if any. Called from
// syscall paths and from the idle loop. Yield takes no lock; syscalls enter
// through a trap gate, so IRQs are not masked while it runs on a syscall
// path.
func Yield() {
	next := NextQueued()
	if next == nil || next == current {
		return
	}

	dispatch(next)
}

// Schedule is the kernel's idle loop: hand the CPU to runnable processes,
// halting when there is nothing to run until the next interrupt.
func Schedule() {
	for {
		if next := NextQueued(); next != nil {
			dispatch(next)
			continue
		}

		cpu.EnableInterrupts()
		cpu.Halt()
		cpu.DisableInterrupts()
	}
}
