// Package uart implements the serial-port output sink on a 16550-style
// UART.
package uart

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/kstdio"
)

const (
	com1Base = 0x3f8

	regData        = 0 // also divisor low with DLAB set
	regIntEnable   = 1 // also divisor high with DLAB set
	regFIFOCtrl    = 2
	regLineCtrl    = 3
	regModemCtrl   = 4
	regLineStatus  = 5

	lineCtrlDLAB = 1 << 7
	lineCtrl8N1  = 0x03

	lineStatusTHREmpty = 1 << 5

	// divisor for 38400 baud off the 115200 base clock.
	baudDivisor = 3
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// SerialSink mirrors kernel output onto a serial port.
type SerialSink struct {
	base uint16
}

// NewSerialSink creates a sink for the UART at the given port base. Passing
// 0 selects COM1.
func NewSerialSink(base uint16) *SerialSink {
	if base == 0 {
		base = com1Base
	}
	return &SerialSink{base: base}
}

// SinkName returns the sink identifier.
func (s *SerialSink) SinkName() string { return "serial" }

// SinkType returns the sink hardware class.
func (s *SerialSink) SinkType() kstdio.SinkType { return kstdio.SinkSerial }

// SinkInit programs the UART for 38400 8N1 with FIFOs enabled.
func (s *SerialSink) SinkInit() *kernel.Error {
	portWriteByteFn(s.base+regIntEnable, 0)
	portWriteByteFn(s.base+regLineCtrl, lineCtrlDLAB)
	portWriteByteFn(s.base+regData, baudDivisor)
	portWriteByteFn(s.base+regIntEnable, 0)
	portWriteByteFn(s.base+regLineCtrl, lineCtrl8N1)
	portWriteByteFn(s.base+regFIFOCtrl, 0xc7)
	portWriteByteFn(s.base+regModemCtrl, 0x0b)

	return nil
}

// SinkDestroy is a no-op for the UART.
func (s *SerialSink) SinkDestroy() {}

func (s *SerialSink) putByte(c byte) {
	for portReadByteFn(s.base+regLineStatus)&lineStatusTHREmpty == 0 {
	}

	portWriteByteFn(s.base+regData, c)
}

// OutputChar transmits one character.
func (s *SerialSink) OutputChar(c byte) {
	s.putByte(c)
}

// Newline transmits a CRLF pair so raw terminal captures line up.
func (s *SerialSink) Newline() {
	s.putByte('\r')
	s.putByte('\n')
}
