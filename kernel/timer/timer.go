// Package timer keeps the kernel's monotonic millisecond clock. The clock
// is advanced by the PIT tick ISR and backs every hardware-wait timeout in
// the driver layer.
package timer

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/irq"
)

const (
	// The PIT input clock and the tick rate the kernel programs.
	pitFrequency  = 1193182
	ticksPerSec   = 1000
	pitDivisor    = pitFrequency / ticksPerSec
	pitChannel0   = 0x40
	pitCommand    = 0x43
	pitRateGenCmd = 0x36 // channel 0, lobyte/hibyte, mode 3

	// TickVector is the remapped vector of the PIT's IRQ0.
	TickVector = 32
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	registerIRQFn   = irq.RegisterIRQISR
	ackFn           = irq.AckIRQ

	// uptimeMs counts milliseconds since Init. Only the tick ISR writes
	// it; IRQs are off whenever kernel code reads it.
	uptimeMs uint64

	// tickHandlers are invoked from the tick ISR after the clock
	// advances. The scheduler hooks itself in here.
	tickHandlers []func()
)

// Init programs PIT channel 0 as a periodic square-wave generator (mode 3)
// and claims the IRQ0 vector.
func Init() *kernel.Error {
	portWriteByteFn(pitCommand, pitRateGenCmd)
	portWriteByteFn(pitChannel0, uint8(pitDivisor&0xff))
	portWriteByteFn(pitChannel0, uint8(pitDivisor>>8))

	return registerIRQFn(TickVector, tickISR)
}

func tickISR(frame *irq.InterruptFrame) {
	uptimeMs++

	for _, handler := range tickHandlers {
		handler()
	}

	ackFn(uint8(frame.Vector))
}

// OnTick registers a callback invoked on every timer tick with IRQs still
// disabled.
func OnTick(handler func()) {
	tickHandlers = append(tickHandlers, handler)
}

// Uptime returns the milliseconds elapsed since Init.
func Uptime() uint64 {
	return uptimeMs
}

// nowFn is mocked by tests and by driver packages that simulate hardware.
var nowFn = Uptime

// SetTimeSource overrides the clock Timer instances measure against. Driver
// tests use this to step simulated time past the hardware timeouts.
func SetTimeSource(fn func() uint64) {
	if fn == nil {
		fn = Uptime
	}
	nowFn = fn
}

// Timer measures elapsed wall time against the kernel tick clock.
type Timer struct {
	start uint64
}

// Start (re)arms the timer.
func (t *Timer) Start() {
	t.start = nowFn()
}

// ElapsedMs returns the milliseconds since the last Start.
func (t *Timer) ElapsedMs() uint64 {
	return nowFn() - t.start
}
