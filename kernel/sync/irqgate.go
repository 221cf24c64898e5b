// Package sync provides the critical-section primitive for the kernel's
// process-wide singletons. The kernel runs on one CPU and is
// non-preemptible in ring 0, so mutual exclusion reduces to keeping IRQs
// off across the critical section.
package sync

import "vexos/kernel/cpu"

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	saveFlagsFn    = cpu.SaveFlags
	restoreFlagsFn = cpu.RestoreFlags
	disableIRQsFn  = cpu.DisableInterrupts
)

// IRQGate guards a singleton by masking interrupts. Gates nest: each Enter
// records the interrupt-enable state it observed and the matching Leave
// restores exactly that state, so an inner critical section never turns
// IRQs back on under an outer one.
type IRQGate struct {
	saved uintptr
}

// Enter masks interrupts and remembers whether they were enabled.
func (g *IRQGate) Enter() {
	g.saved = saveFlagsFn()
	disableIRQsFn()
}

// Leave restores the interrupt-enable state captured by Enter.
func (g *IRQGate) Leave() {
	restoreFlagsFn(g.saved)
}
