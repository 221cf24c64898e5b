package kmalloc

import (
	"unsafe"

	"vexos/kernel"
)

// The gallocator splits a heap into three pools of fixed-size chunks. Small
// allocations come from the low pool, medium ones from the mid pool and
// anything at or above the high chunk size takes a run of contiguous high
// chunks. Each pool is fronted by a bitmap with one bit per chunk; the bit
// right before an allocation's first chunk marks the chunk holding its
// metadata record.
const (
	loPoolChunkSize  = 32
	midPoolChunkSize = 64
	hiPoolChunkSize  = 128

	heapSignature       = 0xdead5160
	allocationSignature = 0xdeadadd5
)

// heapMeta sits at the base of every gallocator heap.
type heapMeta struct {
	signature uint32

	lo  poolMeta
	mid poolMeta
	hi  poolMeta
}

type poolMeta struct {
	bitmap     uintptr
	bitmapSize uintptr
	pool       uintptr
	poolChunks uintptr
	chunkSize  uintptr
}

// allocationMeta is stored in the chunk immediately preceding every live
// allocation.
type allocationMeta struct {
	signature uint32
	size      uintptr
	chunkSize uintptr
	alignment uintptr
}

func heapMetaAt(h *Heap) *heapMeta {
	return (*heapMeta)(unsafe.Pointer(h.VirtAddr))
}

func allocationMetaAt(addr uintptr) *allocationMeta {
	return (*allocationMeta)(unsafe.Pointer(addr - unsafe.Sizeof(allocationMeta{})))
}

// bit helpers operating on a pool bitmap stored in raw heap memory.

func (p *poolMeta) chunkInUse(chunk uintptr) bool {
	b := (*byte)(unsafe.Pointer(p.bitmap + chunk/8))
	return *b&(1<<(chunk%8)) != 0
}

func (p *poolMeta) markChunk(chunk uintptr) {
	b := (*byte)(unsafe.Pointer(p.bitmap + chunk/8))
	*b |= 1 << (chunk % 8)
}

func (p *poolMeta) clearChunk(chunk uintptr) {
	b := (*byte)(unsafe.Pointer(p.bitmap + chunk/8))
	*b &^= 1 << (chunk % 8)
}

func (p *poolMeta) chunkAddr(chunk uintptr) uintptr {
	return p.pool + chunk*p.chunkSize
}

// freeRunAt returns the number of free chunks starting at chunk, capped at
// want.
func (p *poolMeta) freeRunAt(chunk, want uintptr) uintptr {
	var run uintptr
	for ; chunk < p.poolChunks && run < want; chunk, run = chunk+1, run+1 {
		if p.chunkInUse(chunk) {
			break
		}
	}
	return run
}

// findStart locates the first chunk index at or after from whose address
// honors the requested alignment, whose own bit is free and whose preceding
// chunk (the metadata slot) is free as well. Chunk 0 can never start an
// allocation since it has no preceding metadata chunk.
func (p *poolMeta) findStart(from, alignment uintptr) (uintptr, bool) {
	step := (alignment + p.chunkSize - 1) / p.chunkSize
	if step == 0 {
		step = 1
	}

	for chunk := from; chunk < p.poolChunks; chunk += step {
		if p.chunkAddr(chunk)%alignment != 0 {
			// Skip forward to the first aligned chunk.
			aligned := kernel.AlignUp(p.chunkAddr(chunk), alignment)
			chunk = (aligned - p.pool) / p.chunkSize
			if chunk >= p.poolChunks {
				break
			}
		}

		if chunk == 0 || p.chunkInUse(chunk) || p.chunkInUse(chunk-1) {
			continue
		}

		return chunk, true
	}

	return 0, false
}

// poolFor picks the pool whose chunk size covers size. Requests larger than
// the high chunk size span multiple high chunks.
func (m *heapMeta) poolFor(size uintptr) *poolMeta {
	switch {
	case size > midPoolChunkSize:
		return &m.hi
	case size > loPoolChunkSize:
		return &m.mid
	default:
		return &m.lo
	}
}

func (m *heapMeta) poolByChunkSize(chunkSize uintptr) *poolMeta {
	switch chunkSize {
	case loPoolChunkSize:
		return &m.lo
	case midPoolChunkSize:
		return &m.mid
	case hiPoolChunkSize:
		return &m.hi
	default:
		return nil
	}
}

func gallocatorInit() *kernel.Error {
	return nil
}

// gallocatorInitHeap lays out the pool bitmaps and pools inside the heap
// arena. After the header come the three bitmaps, then the high pool, the
// mid pool and the low pool; placing the big chunks first keeps the most
// likely already-mapped part of a lazily faulted heap serving the largest
// allocations.
func gallocatorInitHeap(h *Heap) *kernel.Error {
	heapSize := h.Size()
	metaSize := kernel.AlignUp(unsafe.Sizeof(heapMeta{}), hiPoolChunkSize)

	if heapSize <= metaSize {
		return errHeapTooSmall
	}
	heapSize -= metaSize

	// First pass: split the arena 25/25/50 and size the bitmaps.
	loChunks := heapSize / 4 / loPoolChunkSize
	midChunks := heapSize / 4 / midPoolChunkSize
	hiChunks := heapSize / 2 / hiPoolChunkSize

	loBitmapSize := (loChunks + 7) / 8
	midBitmapSize := (midChunks + 7) / 8
	hiBitmapSize := (hiChunks + 7) / 8

	// Second pass: redo the split with the bitmap bytes taken out.
	heapSize -= loBitmapSize + midBitmapSize + hiBitmapSize
	loChunks = heapSize / 4 / loPoolChunkSize
	midChunks = heapSize / 4 / midPoolChunkSize
	hiChunks = heapSize / 2 / hiPoolChunkSize

	meta := heapMetaAt(h)
	meta.signature = heapSignature

	bitmapStart := h.VirtAddr + metaSize
	meta.lo = poolMeta{bitmap: bitmapStart, bitmapSize: loBitmapSize, poolChunks: loChunks, chunkSize: loPoolChunkSize}
	meta.mid = poolMeta{bitmap: bitmapStart + loBitmapSize, bitmapSize: midBitmapSize, poolChunks: midChunks, chunkSize: midPoolChunkSize}
	meta.hi = poolMeta{bitmap: bitmapStart + loBitmapSize + midBitmapSize, bitmapSize: hiBitmapSize, poolChunks: hiChunks, chunkSize: hiPoolChunkSize}

	meta.hi.pool = meta.hi.bitmap + meta.hi.bitmapSize
	meta.mid.pool = meta.hi.pool + hiChunks*hiPoolChunkSize
	meta.lo.pool = meta.mid.pool + midChunks*midPoolChunkSize

	// Align each pool base to its chunk size, shedding at most one chunk,
	// so aligned allocation requests line up with chunk boundaries.
	for _, p := range []*poolMeta{&meta.hi, &meta.mid, &meta.lo} {
		aligned := kernel.AlignUp(p.pool, p.chunkSize)
		if aligned != p.pool {
			p.poolChunks--
			p.pool = aligned
		}

		kernel.Memset(p.bitmap, 0, p.bitmapSize)
	}

	return nil
}

func gallocatorAllocAligned(size, alignment uintptr, h *Heap) uintptr {
	meta := heapMetaAt(h)
	if meta.signature != heapSignature {
		return 0
	}

	p := meta.poolFor(size)
	chunksNeeded := (size + p.chunkSize - 1) / p.chunkSize

	for from := uintptr(0); ; {
		chunk, ok := p.findStart(from, alignment)
		if !ok {
			// No cross-pool retry; the request fails outright.
			return 0
		}

		run := p.freeRunAt(chunk, chunksNeeded)
		if run == chunksNeeded {
			p.markChunk(chunk - 1)
			for i := uintptr(0); i < chunksNeeded; i++ {
				p.markChunk(chunk + i)
			}

			addr := p.chunkAddr(chunk)
			*allocationMetaAt(addr) = allocationMeta{
				signature: allocationSignature,
				size:      size,
				chunkSize: p.chunkSize,
				alignment: alignment,
			}
			return addr
		}

		// The run was too short; skip past it entirely.
		from = chunk + run + 1
	}
}

func gallocatorAllocationSize(addr uintptr, h *Heap) (uintptr, *kernel.Error) {
	if heapMetaAt(h).signature != heapSignature {
		return 0, errBadHeap
	}

	meta := allocationMetaAt(addr)
	if meta.signature != allocationSignature {
		return 0, errBadAllocation
	}

	return meta.size, nil
}

func gallocatorAllocationAlignment(addr uintptr, h *Heap) (uintptr, *kernel.Error) {
	if heapMetaAt(h).signature != heapSignature {
		return 0, errBadHeap
	}

	meta := allocationMetaAt(addr)
	if meta.signature != allocationSignature {
		return 0, errBadAllocation
	}

	return meta.alignment, nil
}

func gallocatorIsValidAllocation(addr uintptr, h *Heap) bool {
	if !h.Contains(addr) || heapMetaAt(h).signature != heapSignature {
		return false
	}

	meta := allocationMetaAt(addr)
	if meta.signature != allocationSignature {
		return false
	}

	p := heapMetaAt(h).poolByChunkSize(meta.chunkSize)
	if p == nil || addr < p.pool {
		return false
	}

	chunk := (addr - p.pool) / p.chunkSize
	return chunk < p.poolChunks && p.chunkInUse(chunk)
}

func gallocatorFree(addr uintptr, h *Heap) {
	hm := heapMetaAt(h)
	if hm.signature != heapSignature {
		return
	}

	meta := allocationMetaAt(addr)
	if meta.signature != allocationSignature {
		return
	}

	p := hm.poolByChunkSize(meta.chunkSize)
	if p == nil {
		return
	}

	chunks := (meta.size + p.chunkSize - 1) / p.chunkSize
	chunk := (addr - p.pool) / p.chunkSize

	meta.signature = 0
	p.clearChunk(chunk - 1)
	for i := uintptr(0); i < chunks; i++ {
		p.clearChunk(chunk + i)
	}
}
