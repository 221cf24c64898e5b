package vmm

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/kimg"
	"vexos/kernel/mm"
)

const (
	msrEFER = 0xc0000080
	eferNXE = 1 << 11
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFn      = cpu.FlushTLB
	readCR3Fn       = cpu.ReadCR3
	writeCR3Fn      = cpu.WriteCR3
	readMSRFn       = cpu.ReadMSR
	writeMSRFn      = cpu.WriteMSR

	// kernelPagingStruct is the process-wide singleton paging structure
	// used whenever no user process is current.
	kernelPagingStruct PagingStruct
)

// KernelPagingStruct returns the kernel's own paging structure.
func KernelPagingStruct() *PagingStruct {
	return &kernelPagingStruct
}

// AdoptBootPagingStruct points the kernel paging-structure singleton at an
// already-built root table (the one the boot code handed over via CR3).
func AdoptBootPagingStruct(rootVaddr uintptr) {
	kernelPagingStruct.root = rootVaddr
	kernelPagingStruct.trackedPages = nil
}

// Init adopts the boot paging structure as the definitive kernel paging
// structure, enables NX support, installs the page-fault handlers and locks
// down the kernel image sections.
func Init() *kernel.Error {
	// Enable the NXE bit so the exec-disable entry bit is honored.
	writeMSRFn(msrEFER, readMSRFn(msrEFER)|eferNXE)

	// The boot code hands over CR3 pointing at a PDPT inside the kernel
	// image, which is offset-mapped like everything else we own.
	AdoptBootPagingStruct(kpaddrToVaddrFn(readCR3Fn()))

	registerFaultHandlers()
	enforceKernelSections()

	return nil
}

// Load switches the MMU to this address space. The kernel half must already
// be aliased in or the next instruction fetch will fault.
func (ps *PagingStruct) Load() *kernel.Error {
	if ps.root == 0 {
		return errNoPagingStruct
	}

	writeCR3Fn(kvaddrToPaddrFn(ps.root))
	return nil
}

// LoadKernel switches the MMU back to the kernel's own paging structure.
func LoadKernel() {
	writeCR3Fn(kvaddrToPaddrFn(kernelPagingStruct.root))
}

// Per-section flag masks dropped when the definitive paging structure is in
// place. Sections not listed keep their boot-time mapping.
var sectionEnforcement = []struct {
	name string
	rm   PageFlag
}{
	{".bootloader", FlagPresent},
	{".text", FlagWrite},
	{".syscalls", FlagWrite},
	{".useraccess", FlagWrite},
	{".init", FlagWrite},
	{".rodata", FlagWrite | FlagExec},
	{".ksyms", FlagWrite | FlagExec},
	{".module", FlagExec},
	{".data", FlagExec},
	{".ro_postinit", FlagExec},
	{".bss", FlagExec},
}

// enforceKernelSections walks the kernel image sections and drops the page
// permissions each one must not have. A single whole-TLB flush publishes
// the changes.
func enforceKernelSections() {
	kimg.VisitSections(func(sec *kimg.Section) {
		var rm PageFlag
		for _, enf := range sectionEnforcement {
			if enf.name == sec.Name {
				rm = enf.rm
				break
			}
		}

		if rm == 0 || sec.Size == 0 {
			return
		}

		lastPage := mm.PageFromAddress(sec.End() - 1)
		for page := mm.PageFromAddress(sec.Start); page <= lastPage; page++ {
			if pte, _ := kernelPagingStruct.pte(page.Address()); pte != nil {
				pte.rmPageFlags(rm)
			}
		}
	})

	flushTLBFn()
}
