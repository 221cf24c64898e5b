// Package kmalloc implements the kernel heap. The heap machinery is split
// in two: this file owns the heap registry and dispatches every allocation
// against a pluggable allocator driver; the default driver is the tri-pool
// bitmap "gallocator".
package kmalloc

import (
	"unsafe"

	"vexos/kernel"
	"vexos/kernel/kfmt"
)

const maxHeaps = 4

var (
	errDriverInvalid = &kernel.Error{Module: "kmalloc", Message: "allocator driver is missing required hooks", Errno: kernel.EINVAL}
	errTooManyHeaps  = &kernel.Error{Module: "kmalloc", Message: "heap registry is full", Errno: kernel.ENOSPC}
	errUnknownHeap   = &kernel.Error{Module: "kmalloc", Message: "unknown heap id", Errno: kernel.EINVAL}
	errHeapTooSmall  = &kernel.Error{Module: "kmalloc", Message: "heap cannot fit the allocator metadata", Errno: kernel.ENOMEM}
	errBadHeap       = &kernel.Error{Module: "kmalloc", Message: "heap signature mismatch", Errno: kernel.EINVAL}
	errBadAllocation = &kernel.Error{Module: "kmalloc", Message: "allocation signature mismatch", Errno: kernel.EINVAL}
	errFreeNil       = &kernel.Error{Module: "kmalloc", Message: "tried to free a NULL address", Errno: kernel.EINVAL}
	errFreeForeign   = &kernel.Error{Module: "kmalloc", Message: "tried to free an address outside the active heap", Errno: kernel.EINVAL}
	errBadAlignment  = &kernel.Error{Module: "kmalloc", Message: "alignment is not a power of two", Errno: kernel.EINVAL}
)

// Driver is the hook table implemented by heap allocator backends. Realloc
// is optional; when nil, Realloc falls back to allocate-copy-free.
type Driver struct {
	Name             string
	DefaultAlignment uintptr

	Init                func() *kernel.Error
	InitHeap            func(h *Heap) *kernel.Error
	AllocAligned        func(size, alignment uintptr, h *Heap) uintptr
	Realloc             func(addr, size uintptr, h *Heap) uintptr
	AllocationSize      func(addr uintptr, h *Heap) (uintptr, *kernel.Error)
	AllocationAlignment func(addr uintptr, h *Heap) (uintptr, *kernel.Error)
	IsValidAllocation   func(addr uintptr, h *Heap) bool
	Free                func(addr uintptr, h *Heap)
}

func (drv *Driver) valid() bool {
	return drv.Name != "" && drv.Init != nil && drv.InitHeap != nil &&
		drv.AllocAligned != nil && drv.AllocationSize != nil &&
		drv.AllocationAlignment != nil && drv.IsValidAllocation != nil &&
		drv.Free != nil && kernel.IsPowerOfTwo(drv.DefaultAlignment)
}

// Statistics counts the allocator traffic since boot.
type Statistics struct {
	TotalAllocations uint64
	TotalAllocated   uint64
	TotalFrees       uint64
	TotalFreed       uint64
}

var (
	driver     Driver
	heaps      [maxHeaps]Heap
	heapCount  int
	activeHeap *Heap
	stats      Statistics

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler.
	panicFn = kfmt.Panic
)

// Init installs the default allocator driver and brings up the bootstrap
// heap, which is reserved inside the kernel image and therefore always
// mapped. The bootstrap heap stays registered for the kernel's lifetime but
// usually goes idle once the main heap is activated.
func Init() *kernel.Error {
	driver = Driver{
		Name:             "gallocator",
		DefaultAlignment: unsafe.Alignof(uint64(0)),

		Init:                gallocatorInit,
		InitHeap:            gallocatorInitHeap,
		AllocAligned:        gallocatorAllocAligned,
		Realloc:             nil, // let Realloc do it the dumb way
		AllocationSize:      gallocatorAllocationSize,
		AllocationAlignment: gallocatorAllocationAlignment,
		IsValidAllocation:   gallocatorIsValidAllocation,
		Free:                gallocatorFree,
	}

	if !driver.valid() {
		return errDriverInvalid
	}

	if err := driver.Init(); err != nil {
		return err
	}

	heapCount = 0
	activeHeap = nil
	stats = Statistics{}

	id, err := RegisterHeap(bootstrapHeap())
	if err != nil {
		return err
	}

	return UseHeap(id)
}

// RegisterHeap hands a new arena to the allocator driver and returns the
// heap id for use with UseHeap.
func RegisterHeap(h Heap) (int, *kernel.Error) {
	if heapCount == maxHeaps {
		return -1, errTooManyHeaps
	}

	heaps[heapCount] = h
	if err := driver.InitHeap(&heaps[heapCount]); err != nil {
		return -1, err
	}

	heapCount++
	return heapCount - 1, nil
}

// UseHeap makes the given heap the target of all subsequent Alloc, Free and
// Realloc calls.
func UseHeap(id int) *kernel.Error {
	if id < 0 || id >= heapCount {
		return errUnknownHeap
	}

	activeHeap = &heaps[id]
	return nil
}

// OwnsVA returns true if va falls inside any registered heap. The page
// fault arbiter uses this to tell a lazily unmapped heap page from a stray
// kernel access.
func OwnsVA(va uintptr) bool {
	for i := 0; i < heapCount; i++ {
		if heaps[i].Contains(va) {
			return true
		}
	}
	return false
}

// Alloc returns size bytes with the driver's default alignment, or 0 when
// the active heap cannot satisfy the request.
func Alloc(size uintptr) uintptr {
	return AllocAligned(size, driver.DefaultAlignment)
}

// Calloc behaves like Alloc but zeroes the allocation.
func Calloc(size uintptr) uintptr {
	addr := Alloc(size)
	if addr != 0 {
		kernel.Memset(addr, 0, size)
	}
	return addr
}

// AllocAligned returns size bytes aligned to alignment, or 0 when the
// active heap cannot satisfy the request. Zero-size requests return 0.
func AllocAligned(size, alignment uintptr) uintptr {
	if size == 0 {
		return 0
	}

	if !kernel.IsPowerOfTwo(alignment) {
		panicFn(errBadAlignment)
		return 0
	}

	addr := driver.AllocAligned(size, alignment, activeHeap)
	if addr != 0 {
		stats.TotalAllocations++
		stats.TotalAllocated += uint64(size)
	}

	return addr
}

// Free releases an allocation made from the active heap.
func Free(addr uintptr) {
	if addr == 0 {
		panicFn(errFreeNil)
		return
	}

	if !activeHeap.Contains(addr) {
		panicFn(errFreeForeign)
		return
	}

	if size, err := driver.AllocationSize(addr, activeHeap); err == nil {
		stats.TotalFrees++
		stats.TotalFreed += uint64(size)
	}

	driver.Free(addr, activeHeap)
}

// Realloc grows or shrinks an allocation. When the driver does not
// implement a native realloc the fallback allocates a new block with the
// old alignment, copies min(old, new) bytes and frees the original. The
// original allocation survives a failed realloc.
func Realloc(addr, size uintptr) uintptr {
	if size == 0 {
		return 0
	}

	if addr == 0 {
		return Alloc(size)
	}

	if !activeHeap.Contains(addr) {
		return 0
	}

	if driver.Realloc != nil {
		return driver.Realloc(addr, size, activeHeap)
	}

	prevSize, err := driver.AllocationSize(addr, activeHeap)
	if err != nil {
		return 0
	}

	if prevSize == size {
		return addr
	}

	alignment, err := driver.AllocationAlignment(addr, activeHeap)
	if err != nil {
		return 0
	}

	newAddr := AllocAligned(size, alignment)
	if newAddr == 0 {
		return 0
	}

	copySize := prevSize
	if size < copySize {
		copySize = size
	}

	kernel.Memcopy(addr, newAddr, copySize)
	Free(addr)
	return newAddr
}

// AllocationSize reports the byte size requested for a live allocation.
func AllocationSize(addr uintptr) (uintptr, *kernel.Error) {
	return driver.AllocationSize(addr, activeHeap)
}

// AllocationAlignment reports the alignment requested for a live allocation.
func AllocationAlignment(addr uintptr) (uintptr, *kernel.Error) {
	return driver.AllocationAlignment(addr, activeHeap)
}

// IsValidAllocation returns true if addr points at a live allocation from
// the given heap.
func IsValidAllocation(addr uintptr, h *Heap) bool {
	return driver.IsValidAllocation(addr, h)
}

// Stats returns a copy of the allocator traffic counters.
func Stats() Statistics {
	return stats
}
