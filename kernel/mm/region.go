package mm

// RegionPerms describes the access permissions for a memory region as
// reported by the firmware.
type RegionPerms uint8

// Memory region permission bits.
const (
	RegionRead RegionPerms = 1 << iota
	RegionWrite
	RegionExec

	RegionRWX = RegionRead | RegionWrite | RegionExec
)

// MemoryRegion describes a contiguous physical memory region.
type MemoryRegion struct {
	Start uint64
	Size  uint64
	Perms RegionPerms
}

// End returns the first address past the region.
func (r *MemoryRegion) End() uint64 {
	return r.Start + r.Size
}

// RegionMap is an ordered collection of non-overlapping memory regions. The
// kernel builds one from the firmware-provided memory map, carves out the
// first MiB and the kernel image and hands the result to the frame
// allocator.
type RegionMap struct {
	regions []MemoryRegion
}

// Regions returns the regions held by the map, sorted ascending by start
// address.
func (m *RegionMap) Regions() []MemoryRegion {
	return m.regions
}

// Add inserts a region into the map. Existing regions that overlap the new
// one are shrunk, split or dropped so the map invariant (non-overlapping,
// sorted ascending) holds.
func (m *RegionMap) Add(reg MemoryRegion) {
	if reg.Size == 0 {
		return
	}

	m.carve(reg.Start, reg.Size)

	// Insert keeping the ascending order.
	idx := len(m.regions)
	for i, r := range m.regions {
		if reg.Start < r.Start {
			idx = i
			break
		}
	}

	m.regions = append(m.regions, MemoryRegion{})
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = reg
}

// Remove subtracts [start, start+size) from every region in the map,
// shrinking, splitting or dropping regions as needed.
func (m *RegionMap) Remove(start, size uint64) {
	m.carve(start, size)
}

// carve removes the [start, start+size) range from any region it overlaps.
func (m *RegionMap) carve(start, size uint64) {
	end := start + size

	for i := 0; i < len(m.regions); i++ {
		r := &m.regions[i]

		switch {
		case start <= r.Start && end >= r.End():
			// Range swallows the region whole.
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			i--
		case start > r.Start && end < r.End():
			// Range falls inside the region; split it in two.
			tail := MemoryRegion{Start: end, Size: r.End() - end, Perms: r.Perms}
			r.Size = start - r.Start
			m.regions = append(m.regions, MemoryRegion{})
			copy(m.regions[i+2:], m.regions[i+1:])
			m.regions[i+1] = tail
			i++
		case start > r.Start && start < r.End():
			// Range clips the region tail.
			r.Size = start - r.Start
		case end > r.Start && end < r.End():
			// Range clips the region head.
			r.Size = r.End() - end
			r.Start = end
		}
	}
}

// Align shrinks every region so its start is rounded up and its end rounded
// down to a multiple of align. Regions that collapse to zero size are
// dropped.
func (m *RegionMap) Align(align uint64) {
	for i := 0; i < len(m.regions); i++ {
		r := &m.regions[i]

		start := (r.Start + align - 1) &^ (align - 1)
		end := r.End() &^ (align - 1)

		if end <= start {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			i--
			continue
		}

		r.Start = start
		r.Size = end - start
	}
}

// TotalSize returns the byte count covered by all regions in the map.
func (m *RegionMap) TotalSize() uint64 {
	var total uint64
	for _, r := range m.regions {
		total += r.Size
	}
	return total
}

// MaxAddress returns the first address past the highest region, or 0 for an
// empty map.
func (m *RegionMap) MaxAddress() uint64 {
	if len(m.regions) == 0 {
		return 0
	}
	return m.regions[len(m.regions)-1].End()
}
