package pmm

import (
	"vexos/kernel"
	"vexos/kernel/mm"
)

var (
	// frameAllocator is the bitmap allocator used for all physical frame
	// allocations while the kernel runs.
	frameAllocator BitmapAllocator
)

// Init sets up the kernel physical memory allocation sub-system using the
// filtered system memory region map and registers the bitmap allocator with
// the mm package.
func Init(regionMap *mm.RegionMap) *kernel.Error {
	if err := frameAllocator.Init(regionMap); err != nil {
		return err
	}

	mm.SetFrameAllocator(&frameAllocator)
	return nil
}
