package irq

import "vexos/kernel/cpu"

// 8259A programmable interrupt controller ports.
const (
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xa0
	picSlaveData  = 0xa1

	// ICW1: start the init sequence, ICW4 follows.
	picICW1Init       = 1 << 4
	picICW1ICW4Needed = 1 << 0

	// ICW4: 8086 mode.
	picICW48086 = 1 << 0

	// OCW2: non-specific end of interrupt.
	picEOI = 0x20

	// OCW3: read the in-service / interrupt-request registers.
	picReadIRR = 0x0a
	picReadISR = 0x0b
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// picRemap reprograms both 8259s so their vectors no longer collide with
// the CPU exceptions: ICW1 starts the init sequence on both chips, ICW2
// sets the vector offsets, ICW3 wires the slave to master IRQ2 and ICW4
// selects 8086 mode. The interrupt masks are preserved across the remap.
func picRemap(masterOffset, slaveOffset uint8) {
	masterMask := portReadByteFn(picMasterData)
	slaveMask := portReadByteFn(picSlaveData)

	portWriteByteFn(picMasterCmd, picICW1Init|picICW1ICW4Needed)
	portWriteByteFn(picSlaveCmd, picICW1Init|picICW1ICW4Needed)

	portWriteByteFn(picMasterData, masterOffset)
	portWriteByteFn(picSlaveData, slaveOffset)

	// Master: slave on IRQ2. Slave: cascade identity 2.
	portWriteByteFn(picMasterData, 1<<2)
	portWriteByteFn(picSlaveData, 2)

	portWriteByteFn(picMasterData, picICW48086)
	portWriteByteFn(picSlaveData, picICW48086)

	portWriteByteFn(picMasterData, masterMask)
	portWriteByteFn(picSlaveData, slaveMask)
}

// picReadInService returns the in-service register of the master (pic 0) or
// slave (pic 1) controller.
func picReadInService(pic int) uint8 {
	if pic == 0 {
		portWriteByteFn(picMasterCmd, picReadISR)
		return portReadByteFn(picMasterCmd)
	}

	portWriteByteFn(picSlaveCmd, picReadISR)
	return portReadByteFn(picSlaveCmd)
}

// picAck signals end-of-interrupt for the given remapped vector. Vectors
// handled by the slave controller require an ack on both chips.
func picAck(vector uint8) {
	if vector >= irqBase+8 {
		portWriteByteFn(picSlaveCmd, picEOI)
	}
	portWriteByteFn(picMasterCmd, picEOI)
}

// AckIRQ signals end-of-interrupt to the PIC for the given remapped vector.
// IRQ handlers that override the stub handler must call this themselves.
func AckIRQ(vector uint8) {
	picAckFn(vector)
}

// MaskIRQLine disables delivery of the given ISA IRQ line (0-15).
func MaskIRQLine(line uint8) {
	port := uint16(picMasterData)
	if line >= 8 {
		port = picSlaveData
		line -= 8
	}

	portWriteByteFn(port, portReadByteFn(port)|1<<line)
}

// UnmaskIRQLine enables delivery of the given ISA IRQ line (0-15).
func UnmaskIRQLine(line uint8) {
	port := uint16(picMasterData)
	if line >= 8 {
		port = picSlaveData
		line -= 8
	}

	portWriteByteFn(port, portReadByteFn(port)&^(1<<line))
}
