// Package proc implements the process manager: address-space construction,
// ELF loading, kernel/user stack management, the per-process fd table and
// the cooperative round-robin scheduler.
package proc

import (
	"vexos/kernel"
	"vexos/kernel/mm"
	"vexos/kernel/mm/kmalloc"
	"vexos/kernel/mm/vmm"
)

const (
	// HighAddress is the first virtual address past the user half; the
	// kernel half begins here.
	HighAddress = uintptr(0xc0000000)

	// StackPageSpan is the number of pages mapped for a user stack.
	StackPageSpan = uintptr(4)

	// KStackSize is the byte size of every kernel stack. Each ring
	// transition lands on the owning process's kernel stack.
	KStackSize = uintptr(16 * 1024)

	// freeFDSentinel marks an unused local fd slot.
	freeFDSentinel = -1
)

var (
	errNoKStack   = &kernel.Error{Module: "proc", Message: "could not allocate a kernel stack", Errno: kernel.ENOMEM}
	errBadMmapLen = &kernel.Error{Module: "proc", Message: "mmap length is zero", Errno: kernel.EINVAL}
	errNoPID    = &kernel.Error{Module: "proc", Message: "pid space exhausted", Errno: kernel.ENOSPC}
	errBadPath  = &kernel.Error{Module: "proc", Message: "path is missing", Errno: kernel.EINVAL}
)

// TaskContext holds the saved kernel stack pointer of a suspended task. The
// context switch primitive relies on the stack pointer being the first (and
// only) field.
type TaskContext struct {
	StackPtr uintptr
}

// Process describes one user process.
type Process struct {
	PID  uint32
	Path string

	PagingStruct *vmm.PagingStruct

	// InstPtr is the address execution (re)starts at in ring 3.
	InstPtr uintptr

	// User stack geometry; the pages live in the process address space
	// and die with it.
	StackTop      uintptr
	StackPtr      uintptr
	StackPageSpan uintptr

	// KStackTop is the top of the kmalloc-backed kernel stack.
	KStackTop uintptr

	// fds maps local fds to system-wide fd table indices.
	fds []int

	Parent     *Process
	ExitStatus int32
	Dead       bool

	// mmapNext is the bump cursor for anonymous memory mappings.
	mmapNext uintptr

	// ctx stores the kernel stack pointer while the process is switched
	// out; entered flips once the process has run in ring 3.
	ctx     TaskContext
	entered bool
}

// mmapBase is the start of the anonymous-mapping region, above any sane
// image load address and clear of the stack pages below HighAddress.
const mmapBase = uintptr(0x40000000)

// Mmap maps length bytes of anonymous memory into the process's address
// space and returns the chosen base address. Every page is backed by a fresh
// frame before Mmap returns; the frames are not cleared. Mappings are page
// granular and carved from a bump region; they are released with the
// address space.
func (p *Process) Mmap(length uintptr) (uintptr, *kernel.Error) {
	if length == 0 {
		return 0, errBadMmapLen
	}

	if p.mmapNext == 0 {
		p.mmapNext = mmapBase
	}

	base := p.mmapNext
	span := kernel.AlignUp(length, mm.PageSize) / mm.PageSize

	for i := uintptr(0); i < span; i++ {
		page := mm.PageFromAddress(base + i*mm.PageSize)
		if err := p.PagingStruct.NewUserPage(page, vmm.FlagRead|vmm.FlagWrite); err != nil {
			return 0, err
		}
	}

	p.mmapNext = base + span*mm.PageSize
	return base, nil
}

// ID returns the pid.
func (p *Process) ID() uint32 {
	return p.PID
}

// NewFD stores a system-wide fd index into the first free local slot,
// growing the table when every slot is taken, and returns the local fd.
func (p *Process) NewFD(sysIdx int) (int, *kernel.Error) {
	for i, v := range p.fds {
		if v == freeFDSentinel {
			p.fds[i] = sysIdx
			return i, nil
		}
	}

	p.fds = append(p.fds, sysIdx)
	return len(p.fds) - 1, nil
}

// FreeFD writes the free sentinel into a local slot and returns the
// system-wide index it held so the caller can clear the system slot. The
// slot itself never shifts.
func (p *Process) FreeFD(fd int) (int, bool) {
	if fd < 0 || fd >= len(p.fds) || p.fds[fd] == freeFDSentinel {
		return 0, false
	}

	idx := p.fds[fd]
	p.fds[fd] = freeFDSentinel
	return idx, true
}

// SysFDIndex resolves a local fd to its system-wide fd table index.
func (p *Process) SysFDIndex(fd int) (int, bool) {
	if fd < 0 || fd >= len(p.fds) || p.fds[fd] == freeFDSentinel {
		return 0, false
	}
	return p.fds[fd], true
}

// FDCount returns the current length of the local fd table.
func (p *Process) FDCount() int {
	return len(p.fds)
}

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	kmallocAlignedFn = kmalloc.AllocAligned
	kfreeFn          = kmalloc.Free
)

// createKernelStack allocates the naturally aligned kernel stack and stores
// its top (stacks grow down).
func (p *Process) createKernelStack() *kernel.Error {
	base := kmallocAlignedFn(KStackSize, KStackSize)
	if base == 0 {
		return errNoKStack
	}

	p.KStackTop = base + KStackSize
	return nil
}

func (p *Process) destroyKernelStack() {
	if p.KStackTop != 0 {
		kfreeFn(p.KStackTop - KStackSize)
		p.KStackTop = 0
	}
}

// createUserStack maps the user stack pages ending one guard page below the
// user/kernel split.
func (p *Process) createUserStack() *kernel.Error {
	stackTop := HighAddress - mm.PageSize

	for i := uintptr(0); i < StackPageSpan; i++ {
		vaddr := stackTop - (i+1)*mm.PageSize
		if err := p.PagingStruct.NewUserPage(mm.PageFromAddress(vaddr), vmm.FlagRead|vmm.FlagWrite); err != nil {
			return err
		}
	}

	p.StackTop = stackTop
	p.StackPtr = stackTop
	p.StackPageSpan = StackPageSpan

	// The stack pages are freed with the paging struct.
	return nil
}
