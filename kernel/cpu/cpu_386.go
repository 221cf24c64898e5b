package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI). Note that the names
// follow what the CPU sees: DisableInterrupts always executes CLI no matter
// how the caller spells its intent.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt.
func Halt()

// PortReadByte reads a byte from the given I/O port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a 16-bit value from the given I/O port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a 32-bit value from the given I/O port.
func PortReadDword(port uint16) uint32

// PortWriteByte writes a byte to the given I/O port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a 16-bit value to the given I/O port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a 32-bit value to the given I/O port.
func PortWriteDword(port uint16, val uint32)

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB flushes the whole TLB by reloading CR3.
func FlushTLB()

// ReadCR2 returns the value stored in the CR2 register. After a page fault
// CR2 holds the faulting virtual address.
func ReadCR2() uintptr

// ReadCR3 returns the physical address of the currently active top-level
// paging structure.
func ReadCR3() uintptr

// WriteCR3 points the MMU at a new top-level paging structure and implicitly
// flushes the TLB.
func WriteCR3(physAddr uintptr)

// ReadMSR returns the contents of the given model-specific register.
func ReadMSR(reg uint32) uint64

// WriteMSR stores val into the given model-specific register.
func WriteMSR(reg uint32, val uint64)

// LoadTaskRegister loads the task register with the given TSS segment
// selector (LTR).
func LoadTaskRegister(sel uint16)

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
