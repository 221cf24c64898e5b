package kmalloc

import (
	"unsafe"

	"vexos/kernel"
	"vexos/kernel/mm"
)

// Heap describes a virtually contiguous arena handed to the allocator. The
// allocator keeps all of its bookkeeping inside the arena itself, starting
// with a metadata header at the base.
type Heap struct {
	// VirtAddr is the virtual base address of the arena.
	VirtAddr uintptr

	// PageSpan is the arena length in pages.
	PageSpan uintptr
}

// Size returns the heap length in bytes.
func (h *Heap) Size() uintptr {
	return h.PageSpan * mm.PageSize
}

// Contains returns true if va falls inside the heap arena.
func (h *Heap) Contains(va uintptr) bool {
	return va >= h.VirtAddr && va < h.VirtAddr+h.Size()
}

// bootstrapHeapSize is the size of the heap that is linked into the kernel
// image. The image is fully mapped by the boot code so allocations from the
// bootstrap heap can never page fault; it carries the kernel until the real
// heap is registered.
const bootstrapHeapSize = 256 * 1024

var bootstrapArena [bootstrapHeapSize]byte

// bootstrapHeap carves a page-aligned heap out of the in-image arena.
func bootstrapHeap() Heap {
	base := kernel.AlignUp(uintptr(unsafe.Pointer(&bootstrapArena[0])), mm.PageSize)
	span := (uintptr(unsafe.Pointer(&bootstrapArena[0])) + bootstrapHeapSize - base) / mm.PageSize
	return Heap{VirtAddr: base, PageSpan: span}
}
