// Package pmm implements the kernel's physical frame allocator. Frame
// ownership is tracked by a bitmap with one bit per frame; allocations
// always return the lowest-index free frame. Frames are never zeroed by the
// allocator; callers that need a blank page must clear the mapped virtual
// page themselves.
package pmm

import (
	"vexos/kernel"
	"vexos/kernel/mm"
)

const (
	// maxTrackedFrames caps the amount of physical memory the allocator
	// manages. With 4 KiB frames this covers the full 4 GiB physical
	// address space reachable without PSE-36.
	maxTrackedFrames = 1 << 20

	// userZoneStart is the first frame handed out by AllocUserFrame.
	// Frames below 16 MiB are left to the kernel and ISA DMA.
	userZoneStart = mm.Frame(0x1000000 >> mm.PageShift)
)

var (
	errOutOfMemory       = &kernel.Error{Module: "pmm", Message: "out of physical memory", Errno: kernel.ENOMEM}
	errFrameAlreadyInUse = &kernel.Error{Module: "pmm", Message: "frame is already allocated", Errno: kernel.EINVAL}
	errFrameNotTracked   = &kernel.Error{Module: "pmm", Message: "frame is not tracked by the allocator", Errno: kernel.EINVAL}
	errFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not allocated", Errno: kernel.EINVAL}
)

// BitmapAllocator tracks physical frame ownership with one bit per frame. A
// set bit marks an allocated or reserved frame.
type BitmapAllocator struct {
	bitmap [maxTrackedFrames / 64]uint64

	// frameCount is the index of the first frame past the highest
	// available region.
	frameCount mm.Frame

	// freeCount tracks the number of allocatable frames.
	freeCount uint32
}

// Init marks every frame covered by an available region in the supplied map
// as free. The map must already be filtered (first MiB and kernel image
// removed) and page aligned.
func (alloc *BitmapAllocator) Init(regionMap *mm.RegionMap) *kernel.Error {
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
	}
	alloc.freeCount = 0
	alloc.frameCount = 0

	for _, region := range regionMap.Regions() {
		startFrame := mm.Frame(region.Start >> uint64(mm.PageShift))
		endFrame := mm.Frame((region.Start + region.Size) >> uint64(mm.PageShift))

		for frame := startFrame; frame < endFrame; frame++ {
			if frame >= maxTrackedFrames {
				break
			}

			alloc.markFree(frame)
			if frame >= alloc.frameCount {
				alloc.frameCount = frame + 1
			}
		}
	}

	if alloc.freeCount == 0 {
		return errOutOfMemory
	}

	return nil
}

func (alloc *BitmapAllocator) markFree(frame mm.Frame) {
	block, mask := frame>>6, uint64(1)<<(frame&63)
	if alloc.bitmap[block]&mask != 0 {
		alloc.bitmap[block] &^= mask
		alloc.freeCount++
	}
}

func (alloc *BitmapAllocator) markUsed(frame mm.Frame) {
	block, mask := frame>>6, uint64(1)<<(frame&63)
	if alloc.bitmap[block]&mask == 0 {
		alloc.bitmap[block] |= mask
		alloc.freeCount--
	}
}

func (alloc *BitmapAllocator) isFree(frame mm.Frame) bool {
	return alloc.bitmap[frame>>6]&(uint64(1)<<(frame&63)) == 0
}

// AllocFrame reserves and returns the lowest-index free frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.allocInRange(0, alloc.frameCount)
}

// AllocUserFrame reserves a frame destined to back a user page. Frames in
// the user zone are preferred so low physical memory stays available for
// the kernel and DMA buffers.
func (alloc *BitmapAllocator) AllocUserFrame() (mm.Frame, *kernel.Error) {
	if frame, err := alloc.allocInRange(userZoneStart, alloc.frameCount); err == nil {
		return frame, nil
	}

	return alloc.allocInRange(0, alloc.frameCount)
}

func (alloc *BitmapAllocator) allocInRange(start, end mm.Frame) (mm.Frame, *kernel.Error) {
	for block := start >> 6; block <= (end-1)>>6 && block < mm.Frame(len(alloc.bitmap)); block++ {
		if alloc.bitmap[block] == ^uint64(0) {
			continue
		}

		for bit := mm.Frame(0); bit < 64; bit++ {
			frame := block<<6 + bit
			if frame < start || frame >= end {
				continue
			}

			if alloc.isFree(frame) {
				alloc.markUsed(frame)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocFrameAt reserves the exact frame that contains physAddr. It fails if
// the frame lies outside the tracked range or is already allocated.
func (alloc *BitmapAllocator) AllocFrameAt(physAddr uintptr) (mm.Frame, *kernel.Error) {
	frame := mm.FrameFromAddress(physAddr)
	if frame >= alloc.frameCount {
		return mm.InvalidFrame, errFrameNotTracked
	}

	if !alloc.isFree(frame) {
		return mm.InvalidFrame, errFrameAlreadyInUse
	}

	alloc.markUsed(frame)
	return frame, nil
}

// FreeFrame releases a previously reserved frame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if frame >= alloc.frameCount {
		return errFrameNotTracked
	}

	if alloc.isFree(frame) {
		return errFrameNotAllocated
	}

	alloc.markFree(frame)
	return nil
}

// FreeFrameCount returns the number of frames that are still allocatable.
func (alloc *BitmapAllocator) FreeFrameCount() uint32 {
	return alloc.freeCount
}
