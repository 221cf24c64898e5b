package proc

import (
	"unsafe"

	"vexos/kernel"
	"vexos/kernel/mm"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/vfs"
)

func pointerAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadPSFn = func(ps *vmm.PagingStruct) *kernel.Error { return ps.Load() }

	newUserPageFn = func(page mm.Page, flags vmm.PageFlag, ps *vmm.PagingStruct) *kernel.Error {
		return ps.NewUserPage(page, flags)
	}

	setPageFlagsFn = func(page mm.Page, flags vmm.PageFlag, ps *vmm.PagingStruct) *kernel.Error {
		return ps.SetPageFlags(page, flags)
	}

	copyToTargetFn = func(vaddr uintptr, data []byte) {
		for i := range data {
			*(*byte)(pointerAt(vaddr + uintptr(i))) = data[i]
		}
	}

	zeroTargetFn = func(vaddr, size uintptr) {
		kernel.Memset(vaddr, 0, size)
	}
)

// phdrPageFlags maps ELF segment permissions to page flags.
func phdrPageFlags(flags uint32) vmm.PageFlag {
	var pf vmm.PageFlag
	if flags&pfRead != 0 {
		pf |= vmm.FlagRead
	}
	if flags&pfWrite != 0 {
		pf |= vmm.FlagWrite
	}
	if flags&pfExec != 0 {
		pf |= vmm.FlagExec
	}
	return pf
}

// readAt reads exactly len(buf) bytes at the given file offset, through the
// acting process's descriptor.
func readAt(fd int, off int64, buf []byte, acting *Process) *kernel.Error {
	if _, err := vfs.Lseek(fd, off, vfs.SEEK_SET, acting); err != nil {
		return err
	}

	read, err := vfs.Read(fd, buf, acting)
	if err != nil {
		return err
	}
	if read != len(buf) {
		return errTruncated
	}

	return nil
}

// ElfLoadFromFile validates the ELF image open on fd and builds the target
// process's memory image from its PT_LOAD segments: pages are mapped
// writable for the copy, loaded, zero-padded up to the segment memory size
// and then clamped back to the segment's own permissions. The target's
// instruction pointer is left at the image entry point.
func ElfLoadFromFile(fd int, acting, target *Process) *kernel.Error {
	ehdrBuf := make([]byte, elfEhdrSize)
	if err := readAt(fd, 0, ehdrBuf, acting); err != nil {
		return err
	}

	ehdr, err := parseEhdr(ehdrBuf)
	if err != nil {
		return err
	}
	if err = ehdr.validate(); err != nil {
		return err
	}

	phdrBuf := make([]byte, int(ehdr.phNum)*elfPhdrSize)
	if err = readAt(fd, int64(ehdr.phOff), phdrBuf, acting); err != nil {
		return err
	}

	for i := 0; i < int(ehdr.phNum); i++ {
		phdr := parsePhdr(phdrBuf[i*elfPhdrSize:])
		if phdr.phType != ptLoad {
			continue
		}

		alignedStart := kernel.AlignDown(uintptr(phdr.vaddr), mm.PageSize)
		pageSpan := kernel.AlignUp(uintptr(phdr.memSize)+(uintptr(phdr.vaddr)-alignedStart), mm.PageSize) / mm.PageSize

		// The copy below needs the pages writable no matter what the
		// segment says; the real permissions are applied afterwards.
		for page := uintptr(0); page < pageSpan; page++ {
			vaddr := alignedStart + page*mm.PageSize
			flags := phdrPageFlags(phdr.flags) | vmm.FlagWrite

			if err = newUserPageFn(mm.PageFromAddress(vaddr), flags, target.PagingStruct); err != nil {
				return err
			}
		}

		// Pull the segment contents through the VFS while the acting
		// address space (and with it the descriptor) is still live.
		var content []byte
		if phdr.fileSize > 0 {
			content = make([]byte, phdr.fileSize)
			if err = readAt(fd, int64(phdr.offset), content, acting); err != nil {
				return err
			}
		}

		// Switch to the target address space for the copy; the kernel
		// half (and the buffer in it) is aliased into both.
		if err = loadPSFn(target.PagingStruct); err != nil {
			return err
		}

		if len(content) > 0 {
			copyToTargetFn(uintptr(phdr.vaddr), content)
		}

		if phdr.memSize > phdr.fileSize {
			zeroTargetFn(uintptr(phdr.vaddr)+uintptr(phdr.fileSize), uintptr(phdr.memSize-phdr.fileSize))
		}

		if err = loadPSFn(acting.PagingStruct); err != nil {
			return err
		}

		// Drop the forced write permission and expose the pages to
		// ring 3.
		for page := uintptr(0); page < pageSpan; page++ {
			vaddr := alignedStart + page*mm.PageSize
			flags := phdrPageFlags(phdr.flags) | vmm.FlagUser

			if phdr.flags&pfWrite == 0 {
				if err = target.PagingStruct.RmPageFlags(mm.PageFromAddress(vaddr), vmm.FlagWrite); err != nil {
					return err
				}
			}
			if err = setPageFlagsFn(mm.PageFromAddress(vaddr), flags, target.PagingStruct); err != nil {
				return err
			}
		}
	}

	target.InstPtr = uintptr(ehdr.entry)
	return nil
}
