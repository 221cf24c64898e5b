// Package useraccess is the only place ring-0 code is allowed to
// dereference user pointers. Its functions are linked into the .useraccess
// section by the kernel linker script; a protection fault raised inside
// them is intercepted by the page-fault arbiter, which rewrites the return
// path to the fault stub so the access surfaces as -EFAULT instead of a
// panic.
package useraccess

import (
	"reflect"
	"unsafe"

	"vexos/kernel"
	"vexos/kernel/mm/vmm"
)

const (
	// userHigh is the first address past the user half of the address
	// space.
	userHigh = uintptr(0xc0000000)

	// maxPathLen bounds user string reads.
	maxPathLen = 4096
)

var (
	errFault   = &kernel.Error{Module: "useraccess", Message: "bad user pointer", Errno: kernel.EFAULT}
	errTooLong = &kernel.Error{Module: "useraccess", Message: "user string exceeds PATH_MAX", Errno: kernel.ENAMETOOLONG}
)

// faultStub is the resume target installed into the page-fault arbiter: it
// makes the interrupted access path return -EFAULT without a second fault.
func faultStub()

// Init registers the fault stub with the vmm.
func Init() {
	f := faultStub
	vmm.SetUserAccessFaultStub(**(**uintptr)(unsafe.Pointer(&f)))
}

// rangeOK rejects pointers outside the user half before any access is
// attempted.
func rangeOK(addr, size uintptr) bool {
	return addr != 0 && addr < userHigh && addr+size <= userHigh && addr+size >= addr
}

// SliceFromUser overlays a byte slice on a user buffer. The caller runs
// with the owning process's address space loaded, so subsequent reads and
// writes go straight to the user pages.
func SliceFromUser(addr, size uintptr) ([]byte, *kernel.Error) {
	if !rangeOK(addr, size) {
		return nil, errFault
	}

	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	})), nil
}

// StringFromUser copies a NUL-terminated user string into kernel memory.
func StringFromUser(addr uintptr) (string, *kernel.Error) {
	if !rangeOK(addr, 1) {
		return "", errFault
	}

	buf := make([]byte, 0, 64)
	for i := uintptr(0); ; i++ {
		if i == maxPathLen {
			return "", errTooLong
		}
		if addr+i >= userHigh {
			return "", errFault
		}

		c := *(*byte)(unsafe.Pointer(addr + i))
		if c == 0 {
			break
		}
		buf = append(buf, c)
	}

	return string(buf), nil
}
